package optimizer

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/ehrlich-b/stepline/internal/event"
)

// Key is an event fingerprint: kind, role, the sorted lowercase tool set
// and a BLAKE3 hash of the content. Two events with equal keys are
// indistinguishable to every trigger and validator.
type Key struct {
	Kind    event.Kind
	Role    string
	Tools   string
	Content [32]byte
}

func Fingerprint(ev event.Event) Key {
	tools := make([]string, len(ev.Tools))
	for i, t := range ev.Tools {
		tools[i] = strings.ToLower(t)
	}
	sort.Strings(tools)
	return Key{
		Kind:    ev.Kind,
		Role:    ev.Role,
		Tools:   strings.Join(tools, "\x00"),
		Content: blake3.Sum256([]byte(ev.Content)),
	}
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.Role + "/" + strings.ReplaceAll(k.Tools, "\x00", ",") + "/" + hex.EncodeToString(k.Content[:8])
}
