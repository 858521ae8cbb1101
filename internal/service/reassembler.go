package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/taskpool"
)

// ArtifactPrefix is the storage prefix under which all reassembled stem and
// final-mix artifacts live. Reset wipes everything below it.
const ArtifactPrefix = "stems/"

// Reassembler turns the per-chunk separation results of a fully completed
// submission into continuous stem tracks and one final mix
type Reassembler interface {
	Reassemble(ctx context.Context, submissionID int, selection []model.Stem, results []*taskpool.Separation) (*model.Progress, error)
}

// AudioReassembler implements Reassembler on the audio service and the
// artifact store
type AudioReassembler struct {
	audio   client.AudioProcessor
	storage client.StorageClient
	format  string
}

func NewAudioReassembler(audio client.AudioProcessor, storage client.StorageClient, format string) *AudioReassembler {
	return &AudioReassembler{
		audio:   audio,
		storage: storage,
		format:  format,
	}
}

type indexedStem struct {
	chunkIndex int
	data       []byte
}

// Reassemble groups per-chunk stems by stem type, restores chronological
// order from the chunk index carried in each result (arrival order across
// independently scheduled tasks is meaningless), concatenates each group,
// persists the four continuous stems, and overlays the selected ones into
// the final mix. Returns the frozen 100% Progress.
func (r *AudioReassembler) Reassemble(ctx context.Context, submissionID int, selection []model.Stem, results []*taskpool.Separation) (*model.Progress, error) {
	groups := make(map[model.Stem][]indexedStem)
	for _, res := range results {
		for stem, data := range res.Stems {
			if !model.IsValidStem(stem) {
				continue
			}
			groups[stem] = append(groups[stem], indexedStem{
				chunkIndex: res.ChunkIndex,
				data:       data,
			})
		}
	}

	for _, stem := range model.AllStems {
		if len(groups[stem]) == 0 {
			return nil, fmt.Errorf("no chunk produced a %s stem: %w", stem, model.ErrIncompleteStems)
		}
	}
	for _, stem := range selection {
		if len(groups[stem]) == 0 {
			return nil, fmt.Errorf("selected stem %s missing from output: %w", stem, model.ErrIncompleteStems)
		}
	}

	instruments := make([]model.InstrumentLink, 0, len(model.AllStems))
	for _, stem := range model.AllStems {
		parts := groups[stem]
		sort.Slice(parts, func(i, j int) bool {
			return parts[i].chunkIndex < parts[j].chunkIndex
		})

		payloads := make([][]byte, 0, len(parts))
		for _, p := range parts {
			payloads = append(payloads, p.data)
		}

		track, err := r.audio.Concatenate(ctx, r.format, payloads...)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate %s stem: %w", stem, err)
		}

		url, err := r.storage.Upload(ctx, r.stemKey(submissionID, string(stem)), bytes.NewReader(track), contentTypeFor(r.format))
		if err != nil {
			return nil, fmt.Errorf("failed to persist %s stem: %w", stem, err)
		}

		instruments = append(instruments, model.InstrumentLink{Name: stem, Track: url})
	}

	// The final mix overlays only the persisted stems the user selected
	mixParts := make([][]byte, 0, len(selection))
	for _, stem := range selection {
		data, err := r.storage.Download(ctx, r.stemKey(submissionID, string(stem)))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s stem for mixing: %w", stem, err)
		}
		mixParts = append(mixParts, data)
	}

	mix, err := r.audio.Overlay(ctx, r.format, mixParts...)
	if err != nil {
		return nil, fmt.Errorf("failed to overlay final mix: %w", err)
	}

	finalURL, err := r.storage.Upload(ctx, r.stemKey(submissionID, "final"), bytes.NewReader(mix), contentTypeFor(r.format))
	if err != nil {
		return nil, fmt.Errorf("failed to persist final mix: %w", err)
	}

	return &model.Progress{
		Progress:    100,
		Instruments: instruments,
		Final:       finalURL,
	}, nil
}

func (r *AudioReassembler) stemKey(submissionID int, name string) string {
	return fmt.Sprintf("%s%d/%s.%s", ArtifactPrefix, submissionID, name, r.format)
}

func contentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
