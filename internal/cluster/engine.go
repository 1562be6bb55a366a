package cluster

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/store"
)

// palette holds the stable color choices for domain clusters. The color
// of a cluster is picked by hashing its ID, so it never changes across
// sessions or cache rebuilds.
var palette = []string{
	"#4f6df5", "#e0564f", "#3aa876", "#d9822b",
	"#8e5bd0", "#2a9db5", "#c74f8e", "#6b7280",
}

// Engine builds the cluster ("lines") view over cached messages. The
// view is always derived from message rows, never stored, so dissolving
// a merge exactly restores the per-domain partition.
type Engine struct {
	store  store.Store
	logger *zap.Logger
}

// NewEngine creates a cluster engine over one account's store.
func NewEngine(st store.Store, logger *zap.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// ListClusters returns the full cluster view: one cluster per ungrouped
// sender domain, one per user merge, and one per enabled skill with at
// least one match. Ordered by message count descending.
func (e *Engine) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	stats, err := e.store.DomainStats(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := e.store.DomainToGroup(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.Cluster)
	var order []string

	for _, st := range stats {
		groupID, merged := groups[st.Domain]
		id := st.Domain
		if merged {
			id = groupID
		}

		c, ok := byID[id]
		if !ok {
			c = &model.Cluster{
				ID:          id,
				DisplayName: id,
				IsJoin:      merged,
			}
			byID[id] = c
			order = append(order, id)
		}
		c.Domains = append(c.Domains, st.Domain)
		c.MessageCount += st.MessageCount
		if !merged {
			c.ThreadCount = st.ThreadCount
		}
	}

	clusters := make([]model.Cluster, 0, len(order))
	for _, id := range order {
		c := byID[id]

		// A merged cluster's thread count cannot be summed from its
		// domains: a conversation spanning two member domains would be
		// counted twice. Recount across the union.
		if c.IsJoin {
			convs, err := e.store.ConversationsByDomains(ctx, c.Domains)
			if err != nil {
				return nil, err
			}
			c.ThreadCount = len(convs)
		}

		c.Icon = initialOf(c.DisplayName)
		c.Color = colorOf(c.ID)
		clusters = append(clusters, *c)
	}

	skillClusters, err := e.skillClusters(ctx)
	if err != nil {
		return nil, err
	}
	clusters = append(clusters, skillClusters...)

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].MessageCount != clusters[j].MessageCount {
			return clusters[i].MessageCount > clusters[j].MessageCount
		}
		return clusters[i].ID < clusters[j].ID
	})
	return clusters, nil
}

func (e *Engine) skillClusters(ctx context.Context) ([]model.Cluster, error) {
	skills, err := e.store.ListSkills(ctx)
	if err != nil {
		return nil, err
	}
	if len(skills) == 0 {
		return nil, nil
	}

	stats, err := e.store.SkillStats(ctx)
	if err != nil {
		return nil, err
	}
	statByID := make(map[string]store.SkillStat, len(stats))
	for _, st := range stats {
		statByID[st.SkillID] = st
	}

	var out []model.Cluster
	for _, sk := range skills {
		if !sk.Enabled {
			continue
		}
		st := statByID[sk.ID]
		if st.MessageCount == 0 {
			continue
		}
		out = append(out, model.Cluster{
			ID:           sk.ID,
			DisplayName:  sk.Name,
			MessageCount: st.MessageCount,
			ThreadCount:  st.ThreadCount,
			IsSkill:      true,
			Icon:         sk.Icon,
			Color:        sk.IconBG,
		})
	}
	return out, nil
}

// GroupDomains merges two or more domains into a named cluster. Skill
// cluster IDs cannot be used as member domains.
func (e *Engine) GroupDomains(ctx context.Context, name string, domains []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("group name must not be empty")
	}
	if len(domains) < 2 {
		return fmt.Errorf("a group needs at least two domains")
	}

	for _, d := range domains {
		switch _, err := e.store.GetSkill(ctx, d); {
		case err == nil:
			return fmt.Errorf("cannot group skill cluster %q", d)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	if err := e.store.GroupDomains(ctx, name, domains); err != nil {
		return err
	}
	e.logger.Info("grouped domains",
		zap.String("group", name),
		zap.Strings("domains", domains))
	return nil
}

// UngroupDomains dissolves a merged cluster. Its domains reappear as
// standalone clusters with exactly the counts they contributed.
func (e *Engine) UngroupDomains(ctx context.Context, groupID string) error {
	if err := e.store.UngroupDomains(ctx, groupID); err != nil {
		return err
	}
	e.logger.Info("ungrouped domains", zap.String("group", groupID))
	return nil
}

// resolveDomains maps a cluster ID to the sender domains it covers. An
// unknown ID is treated as a plain domain.
func (e *Engine) resolveDomains(ctx context.Context, clusterID string) ([]string, error) {
	domains, err := e.store.DomainsForGroup(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if len(domains) > 0 {
		return domains, nil
	}
	return []string{clusterID}, nil
}

func (e *Engine) isSkill(ctx context.Context, id string) (bool, error) {
	_, err := e.store.GetSkill(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Messages returns the member messages of a cluster, newest first.
func (e *Engine) Messages(ctx context.Context, clusterID string) ([]model.Message, error) {
	skill, err := e.isSkill(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if skill {
		return e.store.MessagesForSkill(ctx, clusterID)
	}

	domains, err := e.resolveDomains(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return e.store.MessagesByDomains(ctx, domains)
}

// Threads returns the conversations touching a cluster, newest first.
func (e *Engine) Threads(ctx context.Context, clusterID string) ([]model.Conversation, error) {
	skill, err := e.isSkill(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if skill {
		return e.store.ConversationsForSkill(ctx, clusterID)
	}

	domains, err := e.resolveDomains(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return e.store.ConversationsByDomains(ctx, domains)
}

func colorOf(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

func initialOf(name string) string {
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return strings.ToUpper(string(r))
		}
	}
	return "#"
}
