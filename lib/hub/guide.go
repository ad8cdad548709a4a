package hub

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// GuideName is the name of generated index guides.
const GuideName = "INDEX.md"

var (
	guidesGenerated = metrics.NewCounter("ctxhub_hub_guides_generated_total")
	guideFailures   = metrics.NewCounter("ctxhub_hub_guide_failures_total")
)

// GetIndexGuide returns the index guide of folder, regenerating it first if
// the folder changed since it was generated.
func (h *Hub) GetIndexGuide(ctx context.Context, p Principal, folder uuid.UUID) (guide string, err error) {
	defer track("get_index_guide", time.Now(), &err)

	_, s, err := h.locate(ctx, folder)
	if err != nil {
		return "", err
	}
	check := func(st *shard.State) (*catalog.Document, error) {
		f, err := h.access(st, p, folder, catalog.LevelRead)
		if err != nil {
			return nil, err
		}
		if f.Type != catalog.TypeFolder {
			return nil, errs.Newf(errs.CodeInvalidOperation, "%s is a %s, not a folder", folder, f.Type)
		}
		return f, nil
	}
	if err := s.View(func(st *shard.State) error { _, err := check(st); return err }); err != nil {
		return "", err
	}

	if err := h.refreshGuide(ctx, s, folder); err != nil {
		return "", err
	}
	err = s.View(func(st *shard.State) error {
		f, err := check(st)
		if err != nil {
			return err
		}
		if f.Guide == uuid.Nil {
			return errs.Newf(errs.CodeNotFound, "folder %s has no index guide", folder)
		}
		guide = st.Text(f.Guide)
		return nil
	})
	return guide, err
}

// markDirty schedules the guide of folder for regeneration.
func (h *Hub) markDirty(folder uuid.UUID) {
	if folder == uuid.Nil {
		return
	}
	h.dirty.Store(folder, struct{}{})
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// RefreshGuides regenerates the guides of every folder changed since the
// last refresh.
func (h *Hub) RefreshGuides(ctx context.Context) error {
	var folders []uuid.UUID
	h.dirty.Range(func(id uuid.UUID, _ struct{}) bool {
		folders = append(folders, id)
		return true
	})
	for _, id := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.dirty.Delete(id)
		_, s, err := h.router.Locate(ctx, id)
		if errs.CodeOf(err) == errs.CodeNotFound {
			continue
		}
		if err == nil {
			err = h.refreshGuide(ctx, s, id)
		}
		if err != nil {
			guideFailures.Inc()
			log.Warningf("index guide of %s not regenerated: %v", id, err)
		}
	}
	return nil
}

func (h *Hub) runGuides(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.wake:
		}
		// let a burst of changes settle
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.opts.GuideDelay):
		}
		if err := h.RefreshGuides(ctx); err != nil && ctx.Err() == nil {
			log.Warningf("guide refresh failed: %v", err)
		}
	}
}

// refreshGuide regenerates the guide of folder on s if it is missing or
// older than the folder's children.
func (h *Hub) refreshGuide(ctx context.Context, s shard.IShard, folder uuid.UUID) error {
	var (
		op    *shard.Op
		built bool
	)
	_ = s.View(func(st *shard.State) error {
		f, ok := st.Catalog.Get(folder)
		if !ok || f.Deleted || f.Type != catalog.TypeFolder || !f.IsPrimary() {
			return nil
		}
		if g, ok := st.Catalog.Get(f.Guide); ok && g.GuideSource >= f.ChildrenVersion {
			return nil
		}
		text := renderGuide(st, f)
		op = &shard.Op{Actor: shard.SystemActor, Text: &text, GuideSource: f.ChildrenVersion}
		if f.Guide == uuid.Nil {
			op.Kind, op.Doc = shard.OpCreate, uuid.New()
			op.Name, op.Parent, op.Type = GuideName, folder, catalog.TypeIndexGuide
		} else {
			op.Kind, op.Doc = shard.OpEdit, f.Guide
		}
		built = true
		return nil
	})
	if !built {
		return nil
	}
	if _, err := s.Commit(ctx, op); err != nil {
		// a concurrent refresh created the guide first
		if op.Kind == shard.OpCreate && errs.CodeOf(err) == errs.CodeInvalidOperation {
			return nil
		}
		return err
	}
	guidesGenerated.Inc()
	log.Debugf("regenerated index guide of %s", folder)
	return h.publish(ctx, s, op.Doc)
}

// renderGuide summarizes the live children of f.
func renderGuide(st *shard.State, f *catalog.Document) string {
	var folders, docs []*catalog.Document
	for _, c := range st.Catalog.Children(f.ID) {
		switch c.Type {
		case catalog.TypeFolder:
			folders = append(folders, c)
		case catalog.TypeText:
			docs = append(docs, c)
		case catalog.TypeIndexGuide:
		}
	}
	byName := func(a, b *catalog.Document) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(folders, byName)
	slices.SortFunc(docs, byName)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", f.Name)
	fmt.Fprintf(&sb, "%d folders, %d documents.\n", len(folders), len(docs))
	if len(folders) > 0 {
		sb.WriteString("\n## Folders\n\n")
		for _, c := range folders {
			fmt.Fprintf(&sb, "- %s/\n", c.Name)
		}
	}
	if len(docs) > 0 {
		sb.WriteString("\n## Documents\n\n")
		for _, c := range docs {
			fmt.Fprintf(&sb, "- %s (owner %s)\n", c.Name, c.Owner)
		}
	}
	return sb.String()
}
