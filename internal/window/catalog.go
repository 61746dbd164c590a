package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Catalog enumerates capturable windows through a Backend and filters them.
// Refresh is safe to call concurrently; overlapping calls with the same
// exclusion set share one enumeration.
type Catalog struct {
	backend         Backend
	self            Self
	noiseTitles     []string
	minUntitledArea int

	group    singleflight.Group
	inFlight atomic.Int32
}

// enumerationTimeout bounds a shared enumeration once it no longer follows
// the context of the caller that started it
const enumerationTimeout = 10 * time.Second

// CatalogOption customizes a Catalog
type CatalogOption func(*Catalog)

// WithNoiseTitles replaces the default noise-title list
func WithNoiseTitles(titles []string) CatalogOption {
	return func(c *Catalog) {
		c.noiseTitles = titles
	}
}

// WithMinUntitledArea overrides the untitled-window area threshold (0 disables it)
func WithMinUntitledArea(area int) CatalogOption {
	return func(c *Catalog) {
		c.minUntitledArea = area
	}
}

// NewCatalog creates a catalog that hides windows belonging to self
func NewCatalog(backend Backend, self Self, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		backend:         backend,
		self:            self,
		noiseTitles:     DefaultNoiseTitles,
		minUntitledArea: DefaultMinUntitledArea,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Self returns the process identity the catalog filters out
func (c *Catalog) Self() Self {
	return c.self
}

// Policy returns the filter policy for the given exclusion set
func (c *Catalog) Policy(excluded []string) Policy {
	return Policy{
		Self:            c.self,
		Excluded:        ExclusionSet(excluded),
		NoiseTitles:     c.noiseTitles,
		MinUntitledArea: c.minUntitledArea,
	}
}

// Busy reports whether a refresh is currently in flight
func (c *Catalog) Busy() bool {
	return c.inFlight.Load() > 0
}

// Refresh enumerates windows and applies the filter policy built from excluded.
// The exclusion set is read once by the caller and passed in explicitly.
func (c *Catalog) Refresh(ctx context.Context, excluded []string) ([]Descriptor, error) {
	log := logger.WithComponent("catalog")
	policy := c.Policy(excluded)
	key := strings.Join(NormalizeBundleIDs(excluded), "\x00")

	// The enumeration outlives any single caller; each caller waits on
	// its own context.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)

		listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enumerationTimeout)
		defer cancel()
		raw, err := c.backend.ListWindows(listCtx)
		if err != nil {
			return nil, classify(err)
		}

		filtered := policy.Apply(raw)
		log.Debug().
			Str("backend", c.backend.Name()).
			Int("raw", len(raw)).
			Int("kept", len(filtered)).
			Msg("Window catalog refreshed")
		return filtered, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	}
	if res.Err != nil {
		log.Warn().Err(res.Err).Msg("Window refresh failed")
		return nil, res.Err
	}
	if res.Shared {
		log.Debug().Msg("Refresh coalesced with an in-flight enumeration")
	}

	windows := res.Val.([]Descriptor)
	out := make([]Descriptor, len(windows))
	copy(out, windows)
	return out, nil
}

// OwnWindows lists the windows that belong to this process, unfiltered
func (c *Catalog) OwnWindows(ctx context.Context) ([]Descriptor, error) {
	raw, err := c.backend.ListWindows(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var own []Descriptor
	for _, d := range raw {
		if c.self.Owns(d) {
			own = append(own, d)
		}
	}
	return own, nil
}

// Applications lists the distinct applications owning windows, sorted by
// name. Excluded applications are included so they can be toggled back;
// windows without a bundle id and our own windows are skipped.
func (c *Catalog) Applications(ctx context.Context) ([]Application, error) {
	raw, err := c.backend.ListWindows(ctx)
	if err != nil {
		return nil, classify(err)
	}
	seen := make(map[string]bool)
	var apps []Application
	for _, d := range raw {
		if d.Owner == nil || c.self.Owns(d) {
			continue
		}
		id := strings.TrimSpace(d.Owner.BundleID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		app := *d.Owner
		app.BundleID = id
		if app.Name == "" {
			app.Name = app.BundleID
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool {
		a, b := strings.ToLower(apps[i].Name), strings.ToLower(apps[j].Name)
		if a != b {
			return a < b
		}
		return apps[i].BundleID < apps[j].BundleID
	})
	return apps, nil
}

// CheckPermission reports whether the host grants capture access
func (c *Catalog) CheckPermission(ctx context.Context) error {
	return classify(c.backend.CheckPermission(ctx))
}

// RequestPermission prompts for capture consent where the host supports it
func (c *Catalog) RequestPermission(ctx context.Context) error {
	return classify(c.backend.RequestPermission(ctx))
}

// classify maps backend errors onto the discovery error taxonomy
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrEnumeration):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrEnumeration, err)
	default:
		return fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
}
