package commits

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// Trailer keys written by the engine.
const (
	// TrailerBinary marks a path whose content was committed as binary.
	TrailerBinary = "Folio-Binary"

	// TrailerResolved records that the draft resolved a path against a
	// specific trunk blob: "<path> <trunk-blob-hash>". A zero hash means
	// trunk had deleted the path.
	TrailerResolved = "Folio-Resolved"

	// TrailerDraft names the draft a publish revision merged.
	TrailerDraft = "Folio-Draft"
)

// ReservedPrefix marks trailer keys only the engine may write.
const ReservedPrefix = "Folio-"

// IsReserved reports whether key is an engine bookkeeping key.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// Trailer is one "Key: value" line at the end of a revision message.
type Trailer struct {
	Key   string
	Value string
}

// ResolvedTrailer builds the bookkeeping trailer for a resolved path.
func ResolvedTrailer(path string, trunkBlob plumbing.Hash) Trailer {
	return Trailer{Key: TrailerResolved, Value: path + " " + trunkBlob.String()}
}

// ParseResolved decodes a Folio-Resolved trailer value.
func ParseResolved(value string) (path string, trunkBlob plumbing.Hash, ok bool) {
	i := strings.LastIndexByte(value, ' ')
	if i <= 0 {
		return "", plumbing.ZeroHash, false
	}
	hex := value[i+1:]
	if !plumbing.IsHash(hex) {
		return "", plumbing.ZeroHash, false
	}
	return value[:i], plumbing.NewHash(hex), true
}

// FormatMessage appends trailers to a message, separated by a blank line.
func FormatMessage(message string, trailers []Trailer) string {
	message = strings.TrimRight(message, "\n")
	if len(trailers) == 0 {
		return message + "\n"
	}

	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n")
	for _, t := range trailers {
		b.WriteString(t.Key)
		b.WriteString(": ")
		b.WriteString(t.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseTrailers returns the trailers from the last paragraph of a message.
func ParseTrailers(message string) []Trailer {
	message = strings.TrimRight(message, "\n")
	i := strings.LastIndex(message, "\n\n")
	if i < 0 {
		return nil
	}

	var out []Trailer
	for _, line := range strings.Split(message[i+2:], "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil
		}
		out = append(out, Trailer{Key: key, Value: value})
	}
	return out
}

// reservedLine returns the first message line that reads as an engine
// trailer, if any.
func reservedLine(message string) (string, bool) {
	for _, line := range strings.Split(message, "\n") {
		key, _, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && IsReserved(strings.TrimSpace(key)) {
			return line, true
		}
	}
	return "", false
}

// Subject returns the first line of a message.
func Subject(message string) string {
	subject, _, _ := strings.Cut(message, "\n")
	return subject
}
