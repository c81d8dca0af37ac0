// ABOUTME: Prepares every local resource in an outbound message chain
// ABOUTME: Replaces Local elements with uploaded Image or Voice references in place

package upload

import (
	"context"
	"fmt"

	"github.com/2389/coven-mirai/internal/message"
)

// PrepareChain returns a copy of chain with each Local element uploaded and
// replaced by its remote reference. Elements keep their order. The first
// failure aborts the whole chain.
func (u *Uploader) PrepareChain(ctx context.Context, chain message.Chain, target Target) (message.Chain, error) {
	if !chain.Unprepared() {
		return chain, nil
	}

	out := make(message.Chain, 0, len(chain))
	for i, el := range chain {
		var local message.Local
		switch v := el.(type) {
		case message.Local:
			local = v
		case *message.Local:
			local = *v
		default:
			out = append(out, el)
			continue
		}

		p := pendingFor(local, target)
		h, err := u.Prepare(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("preparing element %d: %w", i, err)
		}
		switch p.Kind {
		case KindVoice:
			out = append(out, message.Voice{VoiceID: h.ID, URL: h.URL})
		default:
			out = append(out, message.Image{ImageID: h.ID, URL: h.URL})
		}
	}
	return out, nil
}

func pendingFor(l message.Local, target Target) PendingUpload {
	var src Source
	if l.Path != "" {
		src = FileSource{Path: l.Path}
	} else {
		name := l.Name
		if name == "" {
			name = "attachment"
		}
		src = BytesSource{Filename: name, Data: l.Data}
	}
	kind := KindImage
	if l.Kind == message.LocalVoice {
		kind = KindVoice
	}
	return PendingUpload{
		Source: src,
		Kind:   kind,
		Target: target,
		Digest: l.Digest,
		Verify: l.Verify,
	}
}
