// Package identity derives run ids, idea ids, and content-addressed build ids.
//
// Everything except NewRunID is a pure function of its inputs so that rebuilds
// over unchanged stage content resolve to the same build directory.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunTimeLayout is the timestamp prefix of every run id.
const RunTimeLayout = "20060102T150405Z"

// BuildIDLength is the number of hex characters kept from the build hash.
const BuildIDLength = 16

const ideaIDLength = 10

// NewRunID returns a time-ordered run id: <UTC timestamp>-<command>-<8 hex>.
func NewRunID(command string, now time.Time) string {
	return newRunID(command, now, uuid.NewString())
}

func newRunID(command string, now time.Time, random string) string {
	mode := strings.ToLower(strings.TrimSpace(command))
	if mode == "" {
		mode = "run"
	}
	suffix := strings.ReplaceAll(random, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%s-%s", now.UTC().Format(RunTimeLayout), mode, suffix)
}

// RunTime extracts the creation timestamp encoded in a run id.
func RunTime(runID string) (time.Time, bool) {
	if len(runID) < len(RunTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(RunTimeLayout, runID[:len(RunTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// HashContent returns the hex sha256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashInputs hashes the canonical JSON form of v. Object keys are sorted, so
// two values that differ only in key order hash identically.
func HashInputs(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashContent(canonical), nil
}

// Canonicalize renders v as compact JSON with sorted object keys. Numbers keep
// their original textual form.
func Canonicalize(v any) ([]byte, error) {
	raw, ok := v.([]byte)
	if !ok {
		if msg, isRaw := v.(json.RawMessage); isRaw {
			raw, ok = msg, true
		}
	}
	if !ok {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("identity: encode: %w", err)
		}
		raw = encoded
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("identity: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("identity: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// BuildID derives the deterministic build id for one idea of one run from the
// ordered checksums of its chain artifacts.
func BuildID(runID, ideaID string, checksums []string) string {
	h := sha256.New()
	writeField(h, runID)
	writeField(h, ideaID)
	for _, sum := range checksums {
		writeField(h, sum)
	}
	return hex.EncodeToString(h.Sum(nil))[:BuildIDLength]
}

// DerivedIdeaID is used when the research artifact did not assign an id.
func DerivedIdeaID(runID string, rank int, name string) string {
	seed := runID + "|" + strconv.Itoa(rank) + "|" + strings.TrimSpace(name)
	return "idea-" + HashContent([]byte(seed))[:ideaIDLength]
}

// DreamIdeaID names the single idea of a dream run after its prompt.
func DreamIdeaID(text string) string {
	return "dream-" + HashContent([]byte(strings.TrimSpace(text)))[:ideaIDLength]
}

// PromptHash is the full hash of a dream prompt, recorded on build registry
// entries.
func PromptHash(text string) string {
	return HashContent([]byte(strings.TrimSpace(text)))
}

// writeField length-prefixes each value so that ("ab","c") and ("a","bc")
// never collide.
func writeField(w io.Writer, value string) {
	_, _ = fmt.Fprintf(w, "%d:%s;", len(value), value)
}
