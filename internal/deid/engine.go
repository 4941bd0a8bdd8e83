// Package deid de-identifies nested healthcare payloads by classifying
// field names against an ordered rule table.
package deid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/org/phivault/pkg/models"
)

const (
	// Placeholder replaces redacted values.
	Placeholder = "REDACTED"

	// PseudonymPrefix starts every hash-action token.
	PseudonymPrefix = "anon_"

	// RowsKey is the top-level key holding the primary data table.
	RowsKey = "rows"

	maskRune       = '*'
	pseudonymLen   = 16
	maxSampleRunes = 4
	hashNamespace  = "phivault:deid:v1:"
)

var (
	pseudonymPattern   = regexp.MustCompile(`^anon_[0-9a-f]{16}$`)
	generalizedPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
)

// dateLayouts are tried in order by the generalize action.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"20060102",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

// KeySource supplies the key for deterministic pseudonyms.
type KeySource interface {
	PseudonymKey() ([]byte, error)
}

// StaticKey is a KeySource over a fixed key.
type StaticKey []byte

func (k StaticKey) PseudonymKey() ([]byte, error) { return k, nil }

// Engine applies a rule table to payloads. It is safe for concurrent use.
type Engine struct {
	rules []Rule
	keys  KeySource
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces DefaultRules.
func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

func NewEngine(keys KeySource, opts ...Option) *Engine {
	e := &Engine{rules: DefaultRules, keys: keys}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type walker struct {
	engine     *Engine
	key        []byte
	redactions []models.Redaction
}

// Sanitize returns a de-identified copy of v and the transformations
// applied, in document order. v is not modified.
func (e *Engine) Sanitize(v Value) (Value, []models.Redaction, error) {
	key, err := e.keys.PseudonymKey()
	if err != nil {
		return Value{}, nil, err
	}
	w := &walker{engine: e, key: key, redactions: []models.Redaction{}}

	if v.Kind() == KindObject {
		out, err := w.root(v)
		return out, w.redactions, err
	}
	out, err := w.walk(v, "", 0)
	return out, w.redactions, err
}

// root handles the top-level object, giving "rows" its table semantics.
func (w *walker) root(v Value) (Value, error) {
	members := make([]Member, 0, len(v.Members()))
	for _, m := range v.Members() {
		if m.Key == RowsKey && isTable(m.Value) {
			rows := make([]Value, len(m.Value.Items()))
			for i, row := range m.Value.Items() {
				out, err := w.walk(row, fmt.Sprintf("%s[%d]", RowsKey, i), 2)
				if err != nil {
					return Value{}, err
				}
				rows[i] = out
			}
			members = append(members, Member{Key: m.Key, Value: Array(rows...)})
			continue
		}
		out, err := w.member(m, "", 1)
		if err != nil {
			return Value{}, err
		}
		members = append(members, out)
	}
	return Object(members...), nil
}

func isTable(v Value) bool {
	if v.Kind() != KindArray {
		return false
	}
	for _, item := range v.Items() {
		if item.Kind() != KindObject {
			return false
		}
	}
	return true
}

func (w *walker) walk(v Value, path string, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrTooDeep
	}
	switch v.Kind() {
	case KindObject:
		members := make([]Member, 0, len(v.Members()))
		for _, m := range v.Members() {
			out, err := w.member(m, path, depth+1)
			if err != nil {
				return Value{}, err
			}
			members = append(members, out)
		}
		return Object(members...), nil
	case KindArray:
		items := make([]Value, len(v.Items()))
		for i, item := range v.Items() {
			out, err := w.walk(item, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = out
		}
		return Array(items...), nil
	}
	return v, nil
}

func (w *walker) member(m Member, parent string, depth int) (Member, error) {
	path := m.Key
	if parent != "" {
		path = parent + "." + m.Key
	}
	rule, ok := Classify(w.engine.rules, m.Key)
	if !ok {
		out, err := w.walk(m.Value, path, depth)
		return Member{Key: m.Key, Value: out}, err
	}
	out, action, changed := w.apply(rule.Action, m.Value)
	if changed {
		w.redactions = append(w.redactions, models.Redaction{
			Path:   path,
			Field:  m.Key,
			Action: string(action),
			Sample: sample(m.Value),
		})
	}
	return Member{Key: m.Key, Value: out}, nil
}

// apply transforms a classified value. It reports the action actually
// taken and whether anything was recorded; values already in sanitised
// form are left alone.
func (w *walker) apply(action Action, v Value) (Value, Action, bool) {
	if v.IsNull() {
		return v, action, true
	}
	if v.Kind() == KindString && v.Text() == Placeholder {
		return v, action, false
	}
	if v.Kind() == KindArray || v.Kind() == KindObject {
		return String(Placeholder), ActionRedact, true
	}

	switch action {
	case ActionHash:
		if v.Kind() == KindString && pseudonymPattern.MatchString(v.Text()) {
			return v, action, false
		}
		return String(pseudonym(w.key, v.Text())), action, true
	case ActionMask:
		if v.Kind() != KindString {
			return String(Placeholder), ActionRedact, true
		}
		if v.Text() == "" || isMasked(v.Text()) {
			return v, action, false
		}
		return String(mask(v.Text())), action, true
	case ActionGeneralize:
		if v.Kind() != KindString {
			return String(Placeholder), ActionRedact, true
		}
		if generalizedPattern.MatchString(v.Text()) {
			return v, action, false
		}
		if g, ok := generalizeDate(v.Text()); ok {
			return String(g), action, true
		}
		return String(Placeholder), ActionRedact, true
	}
	return String(Placeholder), ActionRedact, true
}

func pseudonym(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hashNamespace))
	mac.Write([]byte(value))
	return PseudonymPrefix + hex.EncodeToString(mac.Sum(nil))[:pseudonymLen]
}

func mask(s string) string {
	runes := []rune(s)
	if len(runes) <= 2 {
		return strings.Repeat(string(maskRune), len(runes))
	}
	return string(runes[0]) + strings.Repeat(string(maskRune), len(runes)-2) + string(runes[len(runes)-1])
}

func isMasked(s string) bool {
	runes := []rune(s)
	if len(runes) == 0 {
		return false
	}
	inner := runes
	if len(runes) > 2 {
		inner = runes[1 : len(runes)-1]
	}
	for _, r := range inner {
		if r != maskRune {
			return false
		}
	}
	return true
}

func generalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01"), true
		}
	}
	return "", false
}

// sample keeps at most four runes and never more than half the value.
func sample(v Value) string {
	switch v.Kind() {
	case KindString, KindNumber:
	default:
		return ""
	}
	s := v.Text()
	n := utf8.RuneCountInString(s) / 2
	if n > maxSampleRunes {
		n = maxSampleRunes
	}
	return string([]rune(s)[:n])
}
