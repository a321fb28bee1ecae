package execx

import (
	"context"
	"strings"
	"sync"
)

// Response is what a Fake returns for a matched command.
type Response struct {
	Stdout string
	Stderr string
	Exit   int // non-zero produces a *ToolError
	Err    error
	// Block, when set, holds the call until the channel is closed or the
	// context ends.
	Block <-chan struct{}
}

// Fake is a scripted Runner for tests. Rules are matched in order against
// the joined command line; the first rule whose every fragment is a
// substring wins. Unmatched commands succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []fakeRule
	calls []string
}

type fakeRule struct {
	fragments []string
	resp      Response
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

// On registers a response for commands containing all fragments.
func (f *Fake) On(resp Response, fragments ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{fragments: fragments, resp: resp})
	return f
}

// Calls returns the command lines seen so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsMatching returns the recorded command lines containing fragment.
func (f *Fake) CallsMatching(fragment string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.Contains(c, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.calls = append(f.calls, line)
	var resp Response
	for _, r := range f.rules {
		if matchAll(line, r.fragments) {
			resp = r.resp
			break
		}
	}
	f.mu.Unlock()

	if resp.Block != nil {
		select {
		case <-resp.Block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return []byte(resp.Stdout), []byte(resp.Stderr), resp.Err
	}
	if resp.Exit != 0 {
		return []byte(resp.Stdout), []byte(resp.Stderr), &ToolError{
			Tool: name, Args: args, ExitCode: resp.Exit, Stderr: resp.Stderr,
		}
	}
	return []byte(resp.Stdout), []byte(resp.Stderr), nil
}

func matchAll(line string, fragments []string) bool {
	for _, frag := range fragments {
		if !strings.Contains(line, frag) {
			return false
		}
	}
	return true
}
