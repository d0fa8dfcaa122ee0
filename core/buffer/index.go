package buffer

import (
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
)

// filenamesOf returns the stack frame filenames of every error event in c.
func filenamesOf(c *envelope.Container) []string {
	env, err := c.ParsedEnvelope()
	if err != nil {
		return nil
	}

	var files []string
	seen := make(map[string]struct{})
	for _, item := range env.ItemsOfType("event") {
		ev, err := event.Decode(item)
		if err != nil || !ev.IsError() {
			continue
		}
		for _, name := range ev.Filenames() {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			files = append(files, name)
		}
	}
	return files
}

// index registers envelopeID under each filename. Caller holds b.mu.
func (b *Buffer) index(envelopeID string, files []string) {
	for _, name := range files {
		ids, ok := b.filenames[name]
		if !ok {
			ids = make(map[string]struct{})
			b.filenames[name] = ids
		}
		ids[envelopeID] = struct{}{}
	}
	b.envelopeFiles[envelopeID] = files
}

// unindex removes envelopeID from every filename it was registered under and
// drops filenames left without envelopes. Caller holds b.mu.
func (b *Buffer) unindex(envelopeID string) {
	for _, name := range b.envelopeFiles[envelopeID] {
		ids := b.filenames[name]
		delete(ids, envelopeID)
		if len(ids) == 0 {
			delete(b.filenames, name)
		}
	}
	delete(b.envelopeFiles, envelopeID)
}
