// Package router resolves resource identifiers to collection references and
// dispatches each operation to the flat-file or the relational backend.
package router

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"msgstore/internal/flatfile"
	"msgstore/internal/lock"
	"msgstore/internal/msg"
)

var (
	depositionRe = regexp.MustCompile(`^([DG]_\d+)`)
	partitionRe  = regexp.MustCompile(`_P(\d+)`)
	versionRe    = regexp.MustCompile(`\.V(\d+)`)
	formatRe     = regexp.MustCompile(`_P\d+\.([A-Za-z0-9-]+)`)
)

// Parse extracts the deposition id, category, partition, format and version
// from a resource identifier. ok is false when the deposition id or the
// category cannot be found.
//
//	/data/D_1000000001/D_1000000001_messages-to-depositor_P1.cif.V1
//	-> D_1000000001, messages-to-depositor, P1, cif, V1
func Parse(path string, virtualMarkers []string) (msg.Ref, bool) {
	ref := msg.Ref{Path: path, Virtual: isVirtual(path, virtualMarkers)}

	slashed := filepath.ToSlash(path)
	parts := strings.Split(slashed, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if m := depositionRe.FindStringSubmatch(parts[i]); m != nil {
			ref.DepositionID = m[1]
			break
		}
	}

	base := parts[len(parts)-1]
	for _, c := range msg.Categories() {
		if strings.Contains(base, string(c)) {
			ref.Category = c
			break
		}
	}

	if m := partitionRe.FindStringSubmatch(base); m != nil {
		ref.Partition, _ = strconv.Atoi(m[1])
	}
	if m := formatRe.FindStringSubmatch(base); m != nil {
		ref.Format = m[1]
	}
	if m := versionRe.FindStringSubmatch(base); m != nil {
		ref.Version, _ = strconv.Atoi(m[1])
	}
	return ref, ref.Known()
}

func isVirtual(path string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// FileName returns the canonical collection file name.
func FileName(depositionID string, c msg.Category) string {
	return fmt.Sprintf("%s_%s_P1.cif.V1", depositionID, c)
}

// PathFor returns <root>/<dep>/<dep>_<category>_P1.cif.V1.
func PathFor(root, depositionID string, c msg.Category) string {
	return filepath.Join(root, depositionID, FileName(depositionID, c))
}

// Options configures a Router.
type Options struct {
	// ArchiveRoot is the directory PathFor builds collection paths under.
	ArchiveRoot string
	// UseDatabase sends every resolvable collection to the database backend.
	UseDatabase    bool
	VirtualMarkers []string
	Logger         msg.Logger
}

// Router implements msg.Store on top of a flat-file store and an optional
// database backend.
type Router struct {
	flat        *flatfile.Store
	db          msg.Backend
	root        string
	useDatabase bool
	markers     []string
	logger      msg.Logger
}

// New creates a Router. db may be nil when no database is configured.
func New(flat *flatfile.Store, db msg.Backend, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = msg.NewNopLogger()
	}
	if opts.VirtualMarkers == nil {
		opts.VirtualMarkers = lock.DefaultVirtualMarkers
	}
	return &Router{
		flat:        flat,
		db:          db,
		root:        opts.ArchiveRoot,
		useDatabase: opts.UseDatabase && db != nil,
		markers:     opts.VirtualMarkers,
		logger:      opts.Logger,
	}
}

// Resolve parses path. An error of kind ROUTING_AMBIGUITY is returned when
// the deposition id or category is missing.
func (r *Router) Resolve(path string) (msg.Ref, error) {
	ref, ok := Parse(path, r.markers)
	if !ok {
		return ref, &msg.Error{
			Kind:     msg.KindRoutingAmbiguity,
			Op:       "resolve",
			Resource: path,
			Err:      fmt.Errorf("deposition id %q, category %q", ref.DepositionID, ref.Category),
		}
	}
	return ref, nil
}

type route int

const (
	routeNone route = iota
	routeFlat
	routeDatabase
)

func (r *Router) route(ref msg.Ref) route {
	if !ref.Known() {
		return routeNone
	}
	if ref.Virtual {
		if r.db == nil {
			return routeNone
		}
		return routeDatabase
	}
	if r.useDatabase {
		return routeDatabase
	}
	return routeFlat
}

// Read loads a collection under its lock. Unroutable identifiers yield an
// empty snapshot.
func (r *Router) Read(ctx context.Context, path string) (msg.Snapshot, error) {
	ref, _ := Parse(path, r.markers)
	switch r.route(ref) {
	case routeDatabase:
		return r.db.Read(ctx, ref)
	case routeFlat:
		return r.flat.Read(ctx, ref)
	default:
		r.logger.Warn("unroutable resource, returning empty collection", "path", path)
		return msg.Snapshot{Ref: ref}, nil
	}
}

// Peek is Read without locking for flat files. The database backend reads
// consistently either way.
func (r *Router) Peek(ctx context.Context, path string) (msg.Snapshot, error) {
	ref, _ := Parse(path, r.markers)
	switch r.route(ref) {
	case routeDatabase:
		return r.db.Read(ctx, ref)
	case routeFlat:
		return r.flat.Peek(ctx, ref)
	default:
		return msg.Snapshot{Ref: ref}, nil
	}
}

// Begin starts a transaction. Unroutable identifiers get a detached Txn
// whose Commit writes nothing.
func (r *Router) Begin(ctx context.Context, path string) (*msg.Txn, error) {
	ref, _ := Parse(path, r.markers)
	switch r.route(ref) {
	case routeDatabase:
		return r.db.Begin(ctx, ref)
	case routeFlat:
		return r.flat.Begin(ctx, ref)
	default:
		r.logger.Warn("unroutable resource, writes will be dropped", "path", path)
		return msg.NewTxn(msg.Snapshot{Ref: ref}, msg.TxnOptions{Logger: r.logger}), nil
	}
}

// PathFor returns the path of a deposition's collection under the archive root.
func (r *Router) PathFor(depositionID string, c msg.Category) string {
	return PathFor(r.root, depositionID, c)
}

var _ msg.Store = (*Router)(nil)
