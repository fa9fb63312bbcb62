package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/archonhq/archon72/pkg/canonicalize"
	"github.com/archonhq/archon72/pkg/ledger"
	"github.com/archonhq/archon72/pkg/merkle"
)

// ErrEmptyRange is returned when the requested range holds no events.
var ErrEmptyRange = errors.New("no events in requested range")

// Bundle is one exported evidence bundle: a contiguous ledger range,
// the sealed epochs that cover it, and the chain endpoints an external
// verifier needs.
type Bundle struct {
	FormatVersion int            `json:"format_version"`
	StartSequence uint64         `json:"start_sequence"`
	EndSequence   uint64         `json:"end_sequence"`
	EventCount    int            `json:"event_count"`
	PrevHash      string         `json:"prev_hash"`
	HeadHash      string         `json:"head_hash"`
	Epochs        []merkle.Epoch `json:"epochs,omitempty"`
	ExportedAt    time.Time      `json:"exported_at"`
	Events        []ledger.Event `json:"events"`
}

// Manifest describes a stored bundle without carrying its events.
type Manifest struct {
	BlobRef       string    `json:"blob_ref"`
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	EventCount    int       `json:"event_count"`
	HeadHash      string    `json:"head_hash"`
	ExportedAt    time.Time `json:"exported_at"`
}

// Exporter reads sealed ledger ranges into evidence bundles and parks
// them in blob storage.
type Exporter struct {
	events ledger.Store
	epochs merkle.EpochStore
	blobs  BlobStore
	log    *slog.Logger
	now    func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

func WithExporterLogger(log *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.log = log }
}

// WithExporterClock overrides the wall clock, for tests.
func WithExporterClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an Exporter. epochs may be nil when no epoch
// builder runs; bundles then carry events without roots.
func NewExporter(events ledger.Store, epochs merkle.EpochStore, blobs BlobStore, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		events: events,
		epochs: epochs,
		blobs:  blobs,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportRange bundles the events in [startSeq, endSeq], verifies the
// chain over the range first, and stores the bundle.
func (e *Exporter) ExportRange(ctx context.Context, startSeq, endSeq uint64) (Manifest, error) {
	report, err := ledger.VerifyChain(ctx, e.events, startSeq, endSeq)
	if err != nil {
		return Manifest{}, fmt.Errorf("verify range [%d, %d]: %w", startSeq, endSeq, err)
	}
	if !report.Valid {
		return Manifest{}, fmt.Errorf("%w at sequence %d", ledger.ErrChainViolation, report.BrokenAt)
	}

	events, err := e.events.ReadRange(ctx, startSeq, endSeq)
	if err != nil {
		return Manifest{}, err
	}
	if len(events) == 0 {
		return Manifest{}, ErrEmptyRange
	}

	bundle := Bundle{
		FormatVersion: 1,
		StartSequence: events[0].Sequence,
		EndSequence:   events[len(events)-1].Sequence,
		EventCount:    len(events),
		PrevHash:      events[0].PrevHash,
		HeadHash:      events[len(events)-1].ContentHash,
		ExportedAt:    e.now(),
		Events:        events,
	}

	if e.epochs != nil {
		bundle.Epochs, err = e.coveringEpochs(ctx, bundle.StartSequence, bundle.EndSequence)
		if err != nil {
			return Manifest{}, err
		}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal bundle: %w", err)
	}

	ref, err := e.blobs.Store(ctx, data)
	if err != nil {
		return Manifest{}, fmt.Errorf("store bundle: %w", err)
	}

	e.log.InfoContext(ctx, "evidence bundle exported",
		"start", bundle.StartSequence, "end", bundle.EndSequence,
		"events", bundle.EventCount, "epochs", len(bundle.Epochs), "ref", ref)

	return Manifest{
		BlobRef:       ref,
		StartSequence: bundle.StartSequence,
		EndSequence:   bundle.EndSequence,
		EventCount:    bundle.EventCount,
		HeadHash:      bundle.HeadHash,
		ExportedAt:    bundle.ExportedAt,
	}, nil
}

// ExportEpoch bundles exactly one sealed epoch.
func (e *Exporter) ExportEpoch(ctx context.Context, epochID uint64) (Manifest, error) {
	if e.epochs == nil {
		return Manifest{}, fmt.Errorf("no epoch store configured")
	}
	epoch, err := e.epochs.ByID(ctx, epochID)
	if err != nil {
		return Manifest{}, err
	}
	if epoch.EventCount == 0 {
		return Manifest{}, ErrEmptyRange
	}
	return e.ExportRange(ctx, epoch.StartSequence, epoch.EndSequence)
}

// coveringEpochs returns every sealed epoch overlapping the range.
func (e *Exporter) coveringEpochs(ctx context.Context, startSeq, endSeq uint64) ([]merkle.Epoch, error) {
	var epochs []merkle.Epoch
	seq := startSeq
	for seq <= endSeq {
		epoch, err := e.epochs.ForSequence(ctx, seq)
		if errors.Is(err, merkle.ErrNotCovered) {
			break
		}
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, epoch)
		if epoch.EndSequence < seq {
			break
		}
		seq = epoch.EndSequence + 1
	}
	return epochs, nil
}

// VerifyBundle revalidates a stored bundle: hash chain continuity and
// each event's recomputed content hash. It is self-contained so a
// third party can run it against the raw blob.
func VerifyBundle(data []byte) (ledger.ChainReport, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return ledger.ChainReport{}, fmt.Errorf("parse bundle: %w", err)
	}

	prevHash := bundle.PrevHash
	for _, ev := range bundle.Events {
		if !canonicalize.EqualHex(ev.PrevHash, prevHash) {
			return ledger.ChainReport{
				Valid: false, BrokenAt: ev.Sequence,
				Expected: prevHash, Actual: ev.PrevHash,
			}, nil
		}
		canonical, err := canonicalize.CanonicalRaw(ev.Payload)
		if err != nil {
			return ledger.ChainReport{}, fmt.Errorf("canonicalize payload at %d: %w", ev.Sequence, err)
		}
		computed := canonicalize.ContentHash(
			canonicalize.HashAlg(ev.HashAlgVersion), ev.EventType, canonical, ev.PrevHash)
		if !canonicalize.EqualHex(computed, ev.ContentHash) {
			return ledger.ChainReport{
				Valid: false, BrokenAt: ev.Sequence,
				Expected: computed, Actual: ev.ContentHash,
			}, nil
		}
		prevHash = ev.ContentHash
	}

	if len(bundle.Events) > 0 && !canonicalize.EqualHex(prevHash, bundle.HeadHash) {
		return ledger.ChainReport{
			Valid: false, BrokenAt: bundle.EndSequence,
			Expected: bundle.HeadHash, Actual: prevHash,
		}, nil
	}

	return ledger.ChainReport{Valid: true}, nil
}
