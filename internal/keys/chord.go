package keys

import (
	"fmt"
	"strings"
)

// Chord is a key tapped while zero or more modifiers are held.
type Chord struct {
	Mods []Key
	Key  Key
}

// ParseChord parses a "+"-separated chord such as "Ctrl+Alt+T". The last part
// is the tapped key; all earlier parts must be modifiers.
func ParseChord(s string) (Chord, error) {
	parts := strings.Split(strings.ToUpper(s), "+")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}

	var c Chord
	for i, p := range parts {
		k, ok := parseKey(p)
		if !ok {
			return Chord{}, fmt.Errorf("unknown key %q in chord %q", p, s)
		}
		if i == len(parts)-1 {
			c.Key = k
			break
		}
		if !k.IsModifier() {
			return Chord{}, fmt.Errorf("%s is not a modifier in chord %q", k, s)
		}
		c.Mods = append(c.Mods, k)
	}
	return c, nil
}

// MustChord is ParseChord for static tables.
func MustChord(s string) Chord {
	c, err := ParseChord(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Chord) String() string {
	parts := make([]string, 0, len(c.Mods)+1)
	for _, m := range c.Mods {
		parts = append(parts, m.String())
	}
	parts = append(parts, c.Key.String())
	return strings.Join(parts, "+")
}

func parseKey(name string) (Key, bool) {
	if k, ok := Lookup(name); ok {
		return k, true
	}
	if len(name) == 1 {
		c := name[0]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			s, _ := ForRune(rune(c))
			return s.Key, true
		}
	}
	return Unknown, false
}
