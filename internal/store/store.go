package store

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/samber/lo"
)

const (
	defaultConsoleCap = 1000
	defaultNetworkCap = 500
)

// connBuffers is the pair of ring buffers held for one ConnectionID.
type connBuffers struct {
	console *ringBuffer[ConsoleEntry]
	network *ringBuffer[NetworkEntry]
}

// MessageStore holds bounded per-connection FIFO buffers for console
// messages and network requests, per spec §4.1.
type MessageStore struct {
	mu         sync.RWMutex
	conns      map[string]*connBuffers
	consoleCap int
	networkCap int
}

// New creates a MessageStore with the given per-connection capacities.
// A non-positive cap falls back to the spec defaults.
func New(consoleCap, networkCap int) *MessageStore {
	if consoleCap <= 0 {
		consoleCap = defaultConsoleCap
	}
	if networkCap <= 0 {
		networkCap = defaultNetworkCap
	}
	return &MessageStore{
		conns:      make(map[string]*connBuffers),
		consoleCap: consoleCap,
		networkCap: networkCap,
	}
}

func (s *MessageStore) buffersFor(connectionID string) *connBuffers {
	s.mu.RLock()
	b, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.conns[connectionID]; ok {
		return b
	}
	b = &connBuffers{
		console: newRingBuffer[ConsoleEntry](s.consoleCap),
		network: newRingBuffer[NetworkEntry](s.networkCap),
	}
	s.conns[connectionID] = b
	return b
}

// AppendConsole archives a console entry for connectionID.
func (s *MessageStore) AppendConsole(connectionID string, entry ConsoleEntry) {
	entry.ConnectionID = connectionID
	s.buffersFor(connectionID).console.append(entry)
}

// AppendNetwork archives a new network entry (requestWillBeSent) for
// connectionID.
func (s *MessageStore) AppendNetwork(connectionID string, entry NetworkEntry) {
	entry.ConnectionID = connectionID
	s.buffersFor(connectionID).network.append(entry)
}

// UpdateNetwork mutates the fields named in patch on the network entry
// matching requestID; a no-op if no such entry is held for connectionID.
func (s *MessageStore) UpdateNetwork(connectionID, requestID string, patch NetworkPatch) {
	s.mu.RLock()
	b, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	b.network.mutate(
		func(e NetworkEntry) bool { return e.RequestID == requestID },
		func(e *NetworkEntry) {
			if patch.Status != nil {
				e.Status = *patch.Status
			}
			if patch.ResponseHeaders != nil {
				e.ResponseHeaders = patch.ResponseHeaders
			}
			if patch.ResponseBody != nil {
				e.ResponseBody = *patch.ResponseBody
			}
			if patch.LoadingFinished {
				e.LoadingFinished = true
			}
		},
	)
}

// ConsoleFilter selects which archived console entries query() returns.
type ConsoleFilter struct {
	Types        []ConsoleLevel // empty = all
	TextPattern  string         // compiled as case-insensitive regex; empty = no filter
	Source       ConsoleSource  // empty = no filter
	StartTimeMs  int64          // inclusive; 0 = no lower bound
	EndTimeMs    int64          // inclusive; 0 = no upper bound
	Max          int            // 0 = unbounded; take most recent N after other filters
}

// NetworkFilter selects which archived network entries query() returns.
type NetworkFilter struct {
	Methods             []string
	StatusCodes         []int
	URLPattern          string
	StartTimeMs         int64
	EndTimeMs           int64
	IncludeResponseBody bool
	Max                 int
}

// QueryConsole returns archived console entries honoring filter, in
// insertion order, as a pure read (no mutation of the underlying buffer).
func (s *MessageStore) QueryConsole(connectionID string, filter ConsoleFilter) ([]ConsoleEntry, error) {
	s.mu.RLock()
	b, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var textRe *regexp.Regexp
	if filter.TextPattern != "" {
		re, err := regexp.Compile("(?i)" + filter.TextPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid textPattern: %w", err)
		}
		textRe = re
	}

	typeSet := lo.SliceToMap(filter.Types, func(l ConsoleLevel) (ConsoleLevel, struct{}) { return l, struct{}{} })

	all := b.console.readAll()
	matched := lo.Filter(all, func(e ConsoleEntry, _ int) bool {
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.Level]; !ok {
				return false
			}
		}
		if filter.Source != "" && e.Source != filter.Source {
			return false
		}
		if filter.StartTimeMs != 0 && e.Timestamp < filter.StartTimeMs {
			return false
		}
		if filter.EndTimeMs != 0 && e.Timestamp > filter.EndTimeMs {
			return false
		}
		if textRe != nil && !textRe.MatchString(e.Text) {
			return false
		}
		return true
	})

	return takeLastN(matched, filter.Max), nil
}

// QueryNetwork returns archived network entries honoring filter.
// includeResponseBody=false redacts ResponseBody on returned copies.
func (s *MessageStore) QueryNetwork(connectionID string, filter NetworkFilter) ([]NetworkEntry, error) {
	s.mu.RLock()
	b, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var urlRe *regexp.Regexp
	if filter.URLPattern != "" {
		re, err := regexp.Compile("(?i)" + filter.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid urlPattern: %w", err)
		}
		urlRe = re
	}

	methodSet := lo.SliceToMap(filter.Methods, func(m string) (string, struct{}) { return m, struct{}{} })
	statusSet := lo.SliceToMap(filter.StatusCodes, func(c int) (int, struct{}) { return c, struct{}{} })

	all := b.network.readAll()
	matched := lo.Filter(all, func(e NetworkEntry, _ int) bool {
		if len(methodSet) > 0 {
			if _, ok := methodSet[e.Method]; !ok {
				return false
			}
		}
		if len(statusSet) > 0 {
			if _, ok := statusSet[e.Status]; !ok {
				return false
			}
		}
		if filter.StartTimeMs != 0 && e.Timestamp < filter.StartTimeMs {
			return false
		}
		if filter.EndTimeMs != 0 && e.Timestamp > filter.EndTimeMs {
			return false
		}
		if urlRe != nil && !urlRe.MatchString(e.URL) {
			return false
		}
		return true
	})

	result := takeLastN(matched, filter.Max)
	if !filter.IncludeResponseBody {
		result = lo.Map(result, func(e NetworkEntry, _ int) NetworkEntry {
			e.ResponseBody = ""
			return e
		})
	}
	return result, nil
}

// takeLastN returns the last n elements of entries (already insertion
// ordered), or all of them if n <= 0 or n >= len(entries).
func takeLastN[T any](entries []T, n int) []T {
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Cleanup drops both buffers for connectionID.
func (s *MessageStore) Cleanup(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connectionID)
}

// BufferStats summarizes the current occupancy of one connection's buffers,
// used by /api/connections.
type BufferStats struct {
	ConnectionID  string
	ConsoleCount  int
	NetworkCount  int
}

// Stats returns per-connection buffer occupancy for every tracked
// connection.
func (s *MessageStore) Stats() []BufferStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BufferStats, 0, len(s.conns))
	for id, b := range s.conns {
		out = append(out, BufferStats{
			ConnectionID: id,
			ConsoleCount: b.console.len(),
			NetworkCount: b.network.len(),
		})
	}
	return out
}

// EnforceGlobalLimits implements spec §4.1's sweep: if the aggregate
// console or network count exceeds 2x the per-connection cap, the
// connection with the largest buffer of the offending kind has its oldest
// 20% dropped. Repeats once per sweep (i.e. at most one eviction per kind
// per call).
func (s *MessageStore) EnforceGlobalLimits() {
	s.mu.RLock()
	type candidate struct {
		id  string
		buf *connBuffers
	}
	candidates := make([]candidate, 0, len(s.conns))
	for id, b := range s.conns {
		candidates = append(candidates, candidate{id, b})
	}
	consoleCap := s.consoleCap
	networkCap := s.networkCap
	s.mu.RUnlock()

	var totalConsole, totalNetwork int
	var worstConsole, worstNetwork candidate
	var worstConsoleLen, worstNetworkLen int

	for _, c := range candidates {
		cl := c.buf.console.len()
		nl := c.buf.network.len()
		totalConsole += cl
		totalNetwork += nl
		if cl > worstConsoleLen {
			worstConsoleLen = cl
			worstConsole = c
		}
		if nl > worstNetworkLen {
			worstNetworkLen = nl
			worstNetwork = c
		}
	}

	if totalConsole > 2*consoleCap && worstConsole.buf != nil {
		worstConsole.buf.console.dropOldest(worstConsoleLen / 5)
	}
	if totalNetwork > 2*networkCap && worstNetwork.buf != nil {
		worstNetwork.buf.network.dropOldest(worstNetworkLen / 5)
	}
}

// FormatArgs concatenates string values verbatim and JSON-encodes other
// values, space-separated, per spec §4.1.
func FormatArgs(args []any) string {
	parts := lo.Map(args, func(a any, _ int) string {
		if s, ok := a.(string); ok {
			return s
		}
		return jsonEncode(a)
	})
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
