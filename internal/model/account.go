package model

// Account identifies one synced mailbox. Credentials are referenced by
// keyring key, never stored inline. Each account owns its own cache
// database; removing the account deletes it.
type Account struct {
	// ID is the unique identifier for this account instance.
	ID string `mapstructure:"id" yaml:"id"`

	// Email is the primary address of the mailbox owner.
	Email string `mapstructure:"email" yaml:"email"`

	// DisplayName is the user-visible label for the account.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`

	// Aliases are additional addresses that count as the owner when
	// computing participant keys.
	Aliases []string `mapstructure:"aliases" yaml:"aliases"`

	// IMAPHost and IMAPPort locate the remote mailbox.
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`

	// TLS selects implicit TLS; false means STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Folders to sync; empty means INBOX plus the detected Sent folder.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// CredentialKey is the keyring entry holding the password.
	CredentialKey string `mapstructure:"credential_key" yaml:"credential_key"`
}

// SelfAddresses returns the owner's primary address plus aliases.
func (a Account) SelfAddresses() []string {
	out := make([]string, 0, len(a.Aliases)+1)
	out = append(out, a.Email)
	out = append(out, a.Aliases...)
	return out
}
