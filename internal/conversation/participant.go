package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/mbaer/linebox/internal/model"
)

// SelfSet builds the normalized owner-address lookup used to exclude the
// mailbox owner from participant keys.
func SelfSet(addrs []string) map[string]bool {
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if n := model.NormalizeAddress(a); n != "" {
			out[n] = true
		}
	}
	return out
}

// ExtractParticipants returns the normalized, deduplicated, sorted set
// of non-owner participants of a message. Display names are kept from
// the first sighting that has one.
func ExtractParticipants(m model.Message, self map[string]bool) []model.Participant {
	byEmail := make(map[string]string)
	add := func(addr, name string) {
		email := model.NormalizeAddress(addr)
		if email == "" || !strings.Contains(email, "@") || self[email] {
			return
		}
		if existing, ok := byEmail[email]; !ok || existing == "" {
			byEmail[email] = name
		}
	}

	add(m.FromAddress, m.FromName)
	for _, to := range m.ToAddresses {
		add(to, "")
	}
	for _, cc := range m.CcAddresses {
		add(cc, "")
	}

	out := make([]model.Participant, 0, len(byEmail))
	for email, name := range byEmail {
		out = append(out, model.Participant{Email: email, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// ParticipantKey joins the sorted participant addresses into the stable
// identity of a conversation.
func ParticipantKey(participants []model.Participant) string {
	emails := make([]string, 0, len(participants))
	for _, p := range participants {
		emails = append(emails, p.Email)
	}
	return strings.Join(emails, ",")
}

// ConversationID derives the conversation identifier from a participant
// key: the first 16 hex characters of its SHA-256 digest.
func ConversationID(participantKey string) string {
	sum := sha256.Sum256([]byte(participantKey))
	return hex.EncodeToString(sum[:])[:16]
}
