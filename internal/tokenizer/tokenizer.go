// Package tokenizer holds the tokenizer metadata stored in a gpt-oss model
// file: the special-token table, the pre-tokenizer regex and the text-token
// vocabulary. Full BPE tokenization belongs to an external Codec.
package tokenizer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SpecialToken identifies a harmony control token independent of its id.
type SpecialToken int

const (
	Invalid SpecialToken = iota
	Return
	Start
	Message
	End
	Refusal
	Constrain
	Channel
	Call
	Untrusted
	EndUntrusted

	numSpecialKinds = int(EndUntrusted)
)

// UnsetID marks a special token absent from the model's table.
const UnsetID = 0xFFFFFFFF

var specialUUIDs = [numSpecialKinds]uuid.UUID{
	uuid.MustParse("f799ff69-1992-43c4-a3d8-d831f475dc75"),
	uuid.MustParse("55a77c2f-8a01-4c54-8ac2-313bfc7e208d"),
	uuid.MustParse("16e40431-f47f-4b22-b59b-8b278fc30a54"),
	uuid.MustParse("fcac2f6d-4705-4f6b-b228-642accac7238"),
	uuid.MustParse("e15ba702-28c4-4292-ab8f-ffa434709128"),
	uuid.MustParse("c0bb14c7-6022-49da-ad08-792d67e8b470"),
	uuid.MustParse("fd3dda11-c8ab-4033-876e-d93deb172c93"),
	uuid.MustParse("1220f796-e388-4de5-b487-fe2eb5fe03c0"),
	uuid.MustParse("07d7da55-b346-4cff-8b37-7cefacf8a3e8"),
	uuid.MustParse("f265bd9c-c717-469e-a447-920687d65d90"),
}

var specialNames = [numSpecialKinds]string{
	"<|return|>", "<|start|>", "<|message|>", "<|end|>", "<|refusal|>",
	"<|constrain|>", "<|channel|>", "<|call|>", "<|untrusted|>", "<|end_untrusted|>",
}

// UUID returns the identity UUID of a special token kind.
func (s SpecialToken) UUID() uuid.UUID {
	if s <= Invalid || int(s) > numSpecialKinds {
		return uuid.Nil
	}
	return specialUUIDs[s-1]
}

func (s SpecialToken) String() string {
	if s <= Invalid || int(s) > numSpecialKinds {
		return "<|invalid|>"
	}
	return specialNames[s-1]
}

// SpecialTokenFromUUID maps a table entry to its kind, or Invalid for UUIDs
// this build does not know.
func SpecialTokenFromUUID(u uuid.UUID) SpecialToken {
	for i, known := range specialUUIDs {
		if known == u {
			return SpecialToken(i + 1)
		}
	}
	return Invalid
}

// SpecialTokens lists every known kind in table order.
func SpecialTokens() []SpecialToken {
	kinds := make([]SpecialToken, numSpecialKinds)
	for i := range kinds {
		kinds[i] = SpecialToken(i + 1)
	}
	return kinds
}

var (
	ErrInvalidTable = errors.New("invalid text token table")
	ErrUnencodable  = errors.New("text not encodable with vocabulary")
)

// Codec is the text-in/ids-out contract of the external tokenizer.
type Codec interface {
	Encode(text string) ([]uint32, error)
	Decode(ids []uint32) string
	StopTokens() []uint32
}

// Tokenizer is immutable after New and safe for concurrent use.
type Tokenizer struct {
	numText    uint32
	numSpecial uint32
	special    [numSpecialKinds]uint32
	kinds      map[uint32]SpecialToken
	regex      string
	text       [][]byte
	lookup     map[string]uint32
	maxLen     int
}

// New builds a tokenizer from the special-token UUID table and the text-token
// payload. The id of the i-th table entry is numText + i. tokenData is a
// sequence of u16 length-prefixed byte strings and may alias mapped memory.
func New(specialTable []uuid.UUID, numText uint32, regex, tokenData []byte) (*Tokenizer, error) {
	t := &Tokenizer{
		numText:    numText,
		numSpecial: uint32(len(specialTable)),
		kinds:      make(map[uint32]SpecialToken, len(specialTable)),
		regex:      string(regex),
		text:       make([][]byte, 0, numText),
		lookup:     make(map[string]uint32, numText),
	}
	for i := range t.special {
		t.special[i] = UnsetID
	}
	for i, u := range specialTable {
		kind := SpecialTokenFromUUID(u)
		if kind == Invalid {
			continue
		}
		id := numText + uint32(i)
		t.special[kind-1] = id
		t.kinds[id] = kind
	}

	data := tokenData
	for id := uint32(0); id < numText; id++ {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: token %d: truncated length prefix", ErrInvalidTable, id)
		}
		n := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return nil, fmt.Errorf("%w: token %d: length %d exceeds remaining %d bytes", ErrInvalidTable, id, n, len(data))
		}
		tok := data[:n:n]
		data = data[n:]
		t.text = append(t.text, tok)
		if _, dup := t.lookup[string(tok)]; !dup {
			t.lookup[string(tok)] = id
		}
		if n > t.maxLen {
			t.maxLen = n
		}
	}
	return t, nil
}

// SpecialTokenID returns the id of kind, or UnsetID if the model lacks it.
func (t *Tokenizer) SpecialTokenID(kind SpecialToken) uint32 {
	if kind <= Invalid || int(kind) > numSpecialKinds {
		return UnsetID
	}
	return t.special[kind-1]
}

// SpecialKind reports whether id is a known special token.
func (t *Tokenizer) SpecialKind(id uint32) (SpecialToken, bool) {
	kind, ok := t.kinds[id]
	return kind, ok
}

func (t *Tokenizer) NumTextTokens() uint32 { return t.numText }

func (t *Tokenizer) NumSpecialTokens() uint32 { return t.numSpecial }

func (t *Tokenizer) VocabularySize() uint32 { return t.numText + t.numSpecial }

func (t *Tokenizer) Regex() string { return t.regex }

// TokenBytes returns the raw bytes of a text token.
func (t *Tokenizer) TokenBytes(id uint32) ([]byte, bool) {
	if id >= uint32(len(t.text)) {
		return nil, false
	}
	return t.text[id], true
}

// StopTokens returns the ids that end generation: return, call and end.
// Kinds absent from the model are omitted.
func (t *Tokenizer) StopTokens() []uint32 {
	var stop []uint32
	for _, kind := range []SpecialToken{Return, Call, End} {
		if id := t.SpecialTokenID(kind); id != UnsetID {
			stop = append(stop, id)
		}
	}
	return stop
}

// Decode concatenates token bytes. Special tokens render as their harmony
// markup; unknown ids are skipped.
func (t *Tokenizer) Decode(ids []uint32) string {
	var sb strings.Builder
	for _, id := range ids {
		if tok, ok := t.TokenBytes(id); ok {
			sb.Write(tok)
			continue
		}
		if kind, ok := t.SpecialKind(id); ok {
			sb.WriteString(kind.String())
		}
	}
	return sb.String()
}

// Encode does a greedy longest-match over the vocabulary, recognising harmony
// markup for special tokens. It is not merge-ranked BPE and is meant for
// inspection and tests; production prompts come from an external Codec.
func (t *Tokenizer) Encode(text string) ([]uint32, error) {
	var ids []uint32
	for pos := 0; pos < len(text); {
		if id, n, ok := t.matchSpecial(text[pos:]); ok {
			ids = append(ids, id)
			pos += n
			continue
		}
		n := t.maxLen
		if rest := len(text) - pos; n > rest {
			n = rest
		}
		for ; n > 0; n-- {
			if id, ok := t.lookup[text[pos:pos+n]]; ok {
				ids = append(ids, id)
				break
			}
		}
		if n == 0 {
			return ids, fmt.Errorf("%w: no token matches byte %d (%q)", ErrUnencodable, pos, text[pos])
		}
		pos += n
	}
	return ids, nil
}

func (t *Tokenizer) matchSpecial(s string) (uint32, int, bool) {
	if !strings.HasPrefix(s, "<|") {
		return 0, 0, false
	}
	for i, name := range specialNames {
		if id := t.special[i]; id != UnsetID && strings.HasPrefix(s, name) {
			return id, len(name), true
		}
	}
	return 0, 0, false
}

// EncodeTable serializes text tokens into the u16 length-prefixed format.
func EncodeTable(tokens [][]byte) ([]byte, error) {
	var out []byte
	for i, tok := range tokens {
		if len(tok) > 0xFFFF {
			return nil, fmt.Errorf("%w: token %d is %d bytes", ErrInvalidTable, i, len(tok))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(tok)))
		out = append(out, tok...)
	}
	return out, nil
}
