package router

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"msgstore/internal/msg"
)

// TransferStats counts the records written by Import or Export.
type TransferStats struct {
	Collections    int `json:"collections" yaml:"collections"`
	Messages       int `json:"messages" yaml:"messages"`
	FileReferences int `json:"file_references" yaml:"file_references"`
	Statuses       int `json:"statuses" yaml:"statuses"`

	OrigCommReferences int `json:"origcomm_references" yaml:"origcomm_references"`
	// Skipped counts file and origcomm references whose message is missing.
	Skipped int `json:"skipped" yaml:"skipped"`
}

func (s *TransferStats) add(o TransferStats) {
	s.Collections += o.Collections
	s.Messages += o.Messages
	s.FileReferences += o.FileReferences
	s.Statuses += o.Statuses
	s.OrigCommReferences += o.OrigCommReferences
	s.Skipped += o.Skipped
}

// CopyCollection merges the collection at ref in src into dst under dst's
// lock. Records dst already holds are skipped and statuses are overwritten
// only when they differ, so copying twice writes nothing the second time.
// Messages take the category of ref whatever their stored content type says.
// Tables dst cannot model are not copied.
func CopyCollection(ctx context.Context, src, dst msg.Backend, ref msg.Ref) (TransferStats, error) {
	snap, err := src.Read(ctx, ref)
	if err != nil {
		return TransferStats{}, fmt.Errorf("reading source: %w", err)
	}
	if !snap.Found || snap.Collection.Empty() {
		return TransferStats{}, nil
	}

	txn, err := dst.Begin(ctx, ref)
	if err != nil {
		return TransferStats{}, fmt.Errorf("opening destination: %w", err)
	}
	defer txn.Release()

	var st TransferStats
	for _, m := range snap.Collection.Messages {
		if _, ok := txn.Message(m.MessageID); ok {
			continue
		}
		m.Category = ref.Category
		if _, err := txn.Append(m); err != nil {
			return TransferStats{}, err
		}
		st.Messages++
	}
	for _, f := range snap.Collection.FileReferences {
		if _, err := txn.Append(f); err != nil {
			switch {
			case msg.IsKind(err, msg.KindDuplicate):
				continue
			case msg.IsKind(err, msg.KindInvalidRecord):
				st.Skipped++
				continue
			}
			return TransferStats{}, err
		}
		st.FileReferences++
	}
	held := make(map[string]bool)
	for _, o := range txn.OrigCommReferences() {
		held[o.MessageID] = true
	}
	for _, o := range snap.Collection.OrigCommReferences {
		if held[o.MessageID] {
			continue
		}
		if _, err := txn.Append(o); err != nil {
			if msg.IsKind(err, msg.KindInvalidRecord) {
				st.Skipped++
				continue
			}
			return TransferStats{}, err
		}
		st.OrigCommReferences++
	}
	for _, s := range snap.Collection.Statuses {
		if cur, ok := txn.Status(s.MessageID); ok && cur == s {
			continue
		}
		if err := txn.PutStatus(s); err != nil {
			return TransferStats{}, err
		}
		st.Statuses++
	}

	res, err := txn.Commit(ctx)
	if err != nil {
		return TransferStats{}, err
	}
	if res.Written {
		st.Collections = 1
	}
	return st, nil
}

// ScanDepositions lists the deposition directories under root.
func ScanDepositions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := depositionRe.FindString(e.Name()); m != "" && m == e.Name() {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Import copies the flat-file collections of the given depositions into the
// database.
func (r *Router) Import(ctx context.Context, depositions []string, workers int) (TransferStats, error) {
	if r.db == nil {
		return TransferStats{}, fmt.Errorf("no database configured")
	}
	return r.transfer(ctx, depositions, workers, r.flat, r.db, "import")
}

// Export writes the database collections of the given depositions out as
// flat files under the archive root.
func (r *Router) Export(ctx context.Context, depositions []string, workers int) (TransferStats, error) {
	if r.db == nil {
		return TransferStats{}, fmt.Errorf("no database configured")
	}
	return r.transfer(ctx, depositions, workers, r.db, r.flat, "export")
}

func (r *Router) transfer(ctx context.Context, depositions []string, workers int, src, dst msg.Backend, op string) (TransferStats, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		mu    sync.Mutex
		total TransferStats
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, dep := range depositions {
		dep := dep
		g.Go(func() error {
			for _, c := range msg.Categories() {
				ref, ok := Parse(r.PathFor(dep, c), r.markers)
				if !ok {
					return fmt.Errorf("%s: cannot resolve %s %s", op, dep, c)
				}
				st, err := CopyCollection(ctx, src, dst, ref)
				if err != nil {
					return fmt.Errorf("%s %s: %w", op, ref.Path, err)
				}
				mu.Lock()
				total.add(st)
				mu.Unlock()
			}
			r.logger.Debug("deposition transferred", "op", op, "deposition", dep)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	r.logger.Info("transfer complete", "op", op, "depositions", len(depositions),
		"collections", total.Collections, "messages", total.Messages)
	return total, nil
}
