// Package directory resolves inbound requests to tenant records. The
// directory is published as a versioned snapshot by the deployment tooling;
// at request time resolution is a pair of O(1) map lookups over an immutable
// snapshot that is swapped atomically on reload.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// ErrTenantNotFound is returned when neither host nor path routing matches
var ErrTenantNotFound = errors.New("tenant_not_found")

// DefaultPathPrefix is the first path segment used for slug routing
// (requests shaped like /api/<slug>/...)
const DefaultPathPrefix = "api"

// Document is the versioned directory snapshot as persisted
type Document struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Tenants   []models.TenantRecord `json:"tenants"`
}

// Resolution is the outcome of resolving a request URL
type Resolution struct {
	Tenant    *models.TenantRecord
	RouteMode models.RouteMode
	// ForwardPath is the path to present to the tenant handler. For path
	// routing the slug prefix is stripped, with "/" preserved as root.
	ForwardPath string
}

// Snapshot is an immutable view of the tenant directory
type Snapshot struct {
	version   int
	updatedAt time.Time
	byHost    map[string]*models.TenantRecord
	bySlug    map[string]*models.TenantRecord
	tenants   []models.TenantRecord
}

// Version returns the directory document version this snapshot was built from
func (s *Snapshot) Version() int { return s.version }

// Tenants returns all tenant records in the snapshot
func (s *Snapshot) Tenants() []models.TenantRecord { return s.tenants }

// Lookup returns the tenant for a slug
func (s *Snapshot) Lookup(slug string) (*models.TenantRecord, bool) {
	t, ok := s.bySlug[strings.ToLower(slug)]
	return t, ok
}

// Directory holds the current snapshot behind an atomic pointer so reloads
// are never observed partially applied.
type Directory struct {
	snapshot   atomic.Pointer[Snapshot]
	pathPrefix string
	logger     *logrus.Logger
}

// New creates a directory with an empty snapshot
func New(pathPrefix string, logger *logrus.Logger) *Directory {
	if pathPrefix == "" {
		pathPrefix = DefaultPathPrefix
	}
	d := &Directory{
		pathPrefix: strings.Trim(pathPrefix, "/"),
		logger:     logger,
	}
	d.snapshot.Store(buildSnapshot(Document{}))
	return d
}

// Load replaces the current snapshot with one built from the document.
// Returns an error if the document contains a slug collision.
func (d *Directory) Load(doc Document) error {
	seen := make(map[string]string, len(doc.Tenants))
	for _, t := range doc.Tenants {
		slug := strings.ToLower(t.Slug)
		if slug == "" {
			return fmt.Errorf("tenant %s has empty slug", t.TenantID)
		}
		if owner, ok := seen[slug]; ok && owner != t.OwnerID {
			return fmt.Errorf("slug collision on %q between owners %s and %s", slug, owner, t.OwnerID)
		}
		seen[slug] = t.OwnerID
	}

	d.snapshot.Store(buildSnapshot(doc))
	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"version": doc.Version,
			"tenants": len(doc.Tenants),
		}).Info("tenant directory loaded")
	}
	return nil
}

// LoadJSON parses a persisted directory document and loads it
func (d *Directory) LoadJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse directory document: %w", err)
	}
	return d.Load(doc)
}

// Snapshot returns the current immutable snapshot
func (d *Directory) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Resolve maps a request host and path to a tenant. Host routing wins; path
// routing requires a two-segment slug prefix. Resolution against an unchanged
// snapshot is deterministic.
func (d *Directory) Resolve(host, path string) (*Resolution, error) {
	snap := d.snapshot.Load()

	if h := normalizeHost(host); h != "" {
		if t, ok := snap.byHost[h]; ok {
			return &Resolution{Tenant: t, RouteMode: models.RouteModeHost, ForwardPath: path}, nil
		}
	}

	if slug, rest, ok := d.splitSlugPath(path); ok {
		if t, found := snap.bySlug[slug]; found {
			return &Resolution{Tenant: t, RouteMode: models.RouteModePath, ForwardPath: rest}, nil
		}
	}

	return nil, ErrTenantNotFound
}

// splitSlugPath extracts the slug from /<prefix>/<slug>/... paths and
// returns the remainder with the prefix stripped.
func (d *Directory) splitSlugPath(path string) (slug, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] != d.pathPrefix || parts[1] == "" {
		return "", "", false
	}
	slug = strings.ToLower(parts[1])
	if len(parts) == 3 && parts[2] != "" {
		rest = "/" + parts[2]
	} else {
		rest = "/"
	}
	return slug, rest, true
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	// Strip a port if present
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

func buildSnapshot(doc Document) *Snapshot {
	snap := &Snapshot{
		version:   doc.Version,
		updatedAt: doc.UpdatedAt,
		byHost:    make(map[string]*models.TenantRecord),
		bySlug:    make(map[string]*models.TenantRecord),
		tenants:   doc.Tenants,
	}
	for i := range doc.Tenants {
		t := &doc.Tenants[i]
		snap.bySlug[strings.ToLower(t.Slug)] = t
		for _, h := range t.Hosts {
			snap.byHost[normalizeHost(h)] = t
		}
	}
	return snap
}
