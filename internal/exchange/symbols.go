package exchange

import (
	"fmt"
	"strings"
	"sync"
)

// Quote currencies recognised when parsing a venue symbol that has no
// separator, checked longest first.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB", "USD", "EUR", "GBP"}

// symbolMapper converts between the standard BASE/QUOTE notation and one
// venue's own format. Every formatted symbol is remembered so the reverse
// mapping round-trips losslessly for any symbol the venue quoted.
type symbolMapper struct {
	separator string
	lower     bool
	aliases   map[string]string // standard base -> venue base (e.g. BTC -> XBT)
	unalias   map[string]string // venue base -> standard base

	mu   sync.Mutex
	seen map[string]string // venue symbol -> standard symbol
}

func newSymbolMapper(separator string, lower bool, aliases map[string]string) *symbolMapper {
	unalias := make(map[string]string, len(aliases))
	for std, venue := range aliases {
		unalias[venue] = std
	}
	return &symbolMapper{
		separator: separator,
		lower:     lower,
		aliases:   aliases,
		unalias:   unalias,
		seen:      make(map[string]string),
	}
}

// Format converts BASE/QUOTE to the venue's notation and records the pair
// for the reverse direction.
func (m *symbolMapper) Format(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return symbol // already venue-formatted or unknown shape
	}
	if alias, found := m.aliases[base]; found {
		base = alias
	}
	formatted := base + m.separator + quote
	if m.lower {
		formatted = strings.ToLower(formatted)
	}

	m.mu.Lock()
	m.seen[formatted] = symbol
	m.mu.Unlock()

	return formatted
}

// Parse converts a venue symbol back to BASE/QUOTE. Symbols previously
// passed through Format resolve exactly; unseen symbols fall back to the
// separator or a quote-suffix heuristic.
func (m *symbolMapper) Parse(venueSymbol string) (string, error) {
	m.mu.Lock()
	if std, found := m.seen[venueSymbol]; found {
		m.mu.Unlock()
		return std, nil
	}
	m.mu.Unlock()

	s := venueSymbol
	if m.lower {
		s = strings.ToUpper(s)
	}

	var base, quote string
	if m.separator != "" {
		parts := strings.SplitN(s, m.separator, 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("cannot parse venue symbol %q", venueSymbol)
		}
		base, quote = parts[0], parts[1]
	} else {
		for _, q := range knownQuotes {
			if strings.HasSuffix(s, q) && len(s) > len(q) {
				base, quote = s[:len(s)-len(q)], q
				break
			}
		}
		if quote == "" {
			return "", fmt.Errorf("cannot parse venue symbol %q", venueSymbol)
		}
	}

	if std, found := m.unalias[base]; found {
		base = std
	}
	return base + "/" + quote, nil
}

// SplitSymbol splits standard BASE/QUOTE notation into its parts.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
