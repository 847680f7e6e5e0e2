package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

type node struct {
	children map[string]*node
	rules    []*Rule
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) findOrAddChild(segment string) *node {
	child := n.children[segment]
	if child == nil {
		child = newNode()
		n.children[segment] = child
	}
	return child
}

// collect walks the trie along segments. A "*" child consumes one or more
// segments.
func (n *node) collect(segments []string, wildcard bool, out map[*Rule]struct{}) {
	if len(segments) == 0 {
		for _, r := range n.rules {
			out[r] = struct{}{}
		}
		return
	}
	if wildcard {
		n.collect(segments[1:], true, out)
	}
	if child := n.children["*"]; child != nil {
		child.collect(segments[1:], true, out)
	}
	if child := n.children[segments[0]]; child != nil {
		child.collect(segments[1:], false, out)
	}
}

// Store indexes scriptlet rules by hostname. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	root      *node
	universal []*Rule
	order     map[*Rule]int
	logger    *zap.Logger
}

// NewStore returns an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: newNode(), order: map[*Rule]int{}, logger: logger.Named("rules")}
}

// Add indexes r under each of its hostnames, or for every page when it has
// none.
func (s *Store) Add(r *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order[r] = len(s.order)
	if len(r.Hostnames) == 0 {
		s.universal = append(s.universal, r)
		return
	}
	for _, pattern := range r.patterns() {
		n := s.root
		for _, segment := range strings.Split(pattern, ".") {
			n = n.findOrAddChild(segment)
		}
		n.rules = append(n.rules, r)
	}
}

// AddLine parses and adds one line. Comments and blank lines are skipped.
func (s *Store) AddLine(line string) error {
	if IsComment(line) {
		return nil
	}
	r, err := Parse(line)
	if err != nil {
		return err
	}
	s.Add(r)
	return nil
}

// Load adds every scriptlet rule read from r. Lines that are not scriptlet
// rules are skipped; malformed scriptlet rules are logged and skipped. It
// returns the number of rules added.
func (s *Store) Load(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	added := 0
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if IsComment(line) {
			continue
		}
		rule, err := Parse(line)
		if err != nil {
			if !errors.Is(err, ErrUnsupportedSyntax) {
				s.logger.Warn("Skipping malformed scriptlet rule", zap.Int("line", lineNo), zap.String("rule", line), zap.Error(err))
			}
			continue
		}
		s.Add(rule)
		added++
	}
	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("read rules: %w", err)
	}
	return added, nil
}

// LoadFile loads the rules in the named file.
func (s *Store) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	n, err := s.Load(f)
	if err == nil {
		s.logger.Info("Loaded scriptlet rules", zap.String("file", path), zap.Int("count", n))
	}
	return n, err
}

// Lookup returns the calls to inject into a page on hostname, in the order
// their rules were added, with exceptions applied and duplicates removed.
func (s *Store) Lookup(hostname string) []schemas.ScriptletCall {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	s.mu.RLock()
	matched := map[*Rule]struct{}{}
	if hostname != "" {
		s.root.collect(strings.Split(hostname, "."), false, matched)
	}
	for _, r := range s.universal {
		matched[r] = struct{}{}
	}
	rules := make([]*Rule, 0, len(matched))
	for r := range matched {
		rules = append(rules, r)
	}
	slices.SortFunc(rules, func(a, b *Rule) int { return s.order[a] - s.order[b] })
	s.mu.RUnlock()

	var exceptions []*Rule
	for _, r := range rules {
		if r.Exception {
			exceptions = append(exceptions, r)
		}
	}

	var calls []schemas.ScriptletCall
	seen := map[string]struct{}{}
	for _, r := range rules {
		if r.Exception || excepted(r, exceptions) {
			continue
		}
		key := callKey(r.Call)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		calls = append(calls, r.Call)
	}
	return calls
}

// Len reports the number of rules added.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func excepted(r *Rule, exceptions []*Rule) bool {
	for _, e := range exceptions {
		if e.Call.Name == "" || callKey(e.Call) == callKey(r.Call) {
			return true
		}
	}
	return false
}

func callKey(c schemas.ScriptletCall) string {
	return c.Name + "\x00" + strings.Join(c.Args, "\x00")
}
