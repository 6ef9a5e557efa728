package keys

// Stroke is a single key press needed to produce a character.
type Stroke struct {
	Key   Key
	Shift bool
}

var punctuation = map[rune]Stroke{
	' ':  {Space, false},
	'\n': {Enter, false},
	'\t': {Tab, false},
	'-':  {Minus, false},
	'_':  {Minus, true},
	'=':  {Equal, false},
	'+':  {Equal, true},
	'[':  {LeftBracket, false},
	'{':  {LeftBracket, true},
	']':  {RightBracket, false},
	'}':  {RightBracket, true},
	';':  {Semicolon, false},
	':':  {Semicolon, true},
	'\'': {Apostrophe, false},
	'"':  {Apostrophe, true},
	'`':  {Grave, false},
	'~':  {Grave, true},
	'\\': {Backslash, false},
	'|':  {Backslash, true},
	',':  {Comma, false},
	'<':  {Comma, true},
	'.':  {Period, false},
	'>':  {Period, true},
	'/':  {Slash, false},
	'?':  {Slash, true},
}

// Shifted symbols on the US number row, indexed by digit.
var digitSymbols = [10]rune{')', '!', '@', '#', '$', '%', '^', '&', '*', '('}

// ForRune returns the stroke that types r on a US layout.
func ForRune(r rune) (Stroke, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return Stroke{A + Key(r-'a'), false}, true
	case r >= 'A' && r <= 'Z':
		return Stroke{A + Key(r-'A'), true}, true
	case r >= '0' && r <= '9':
		return Stroke{Digit0 + Key(r-'0'), false}, true
	}
	for i, sym := range digitSymbols {
		if r == sym {
			return Stroke{Digit0 + Key(i), true}, true
		}
	}
	s, ok := punctuation[r]
	return s, ok
}
