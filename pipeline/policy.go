package pipeline

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/outline"
	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

// ScriptPolicy is an outlining policy written in JavaScript. The script must
// define accept(candidate), where candidate has depth, count, score and keys;
// a falsy return vetoes the candidate. print() logs through the pipeline
// module.
type ScriptPolicy struct {
	name string

	mu       sync.Mutex
	vm       *goja.Runtime
	accept   goja.Callable
	asked    int
	rejected int
	err      error
}

func NewScriptPolicy(name, src string) (*ScriptPolicy, error) {
	vm := goja.New()
	p := &ScriptPolicy{name: name, vm: vm}
	vm.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = fmt.Sprint(arg.Export())
		}
		log.Info(log.PipelineMonitoring, "policy", "script", name, "msg", strings.Join(parts, " "))
	})
	if _, err := vm.RunScript(name, src); err != nil {
		return nil, errors.Wrapf(err, "policy %s", name)
	}
	fn, ok := goja.AssertFunction(vm.Get("accept"))
	if !ok {
		return nil, errors.Errorf("policy %s: accept is not a function", name)
	}
	p.accept = fn
	return p, nil
}

// LoadPolicy compiles the policy script at path.
func LoadPolicy(path string) (*ScriptPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewScriptPolicy(path, string(src))
}

// Accept runs the script's accept function. A script error rejects the
// candidate and is kept for Err.
func (p *ScriptPolicy) Accept(keys []string, c outline.Candidate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked++
	arg := p.vm.ToValue(map[string]interface{}{
		"depth": c.Depth,
		"count": c.Count,
		"score": c.Score(),
		"keys":  keys,
	})
	v, err := p.accept(goja.Undefined(), arg)
	if err != nil {
		if p.err == nil {
			p.err = errors.Wrapf(err, "policy %s", p.name)
		}
		p.rejected++
		return false
	}
	if !v.ToBoolean() {
		p.rejected++
		log.Trace(log.PipelineMonitoring, "policy veto", "script", p.name, "depth", c.Depth, "count", c.Count)
		return false
	}
	return true
}

// Stats returns how many candidates the script saw and vetoed.
func (p *ScriptPolicy) Stats() (asked, rejected int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asked, p.rejected
}

// Err returns the first error the script raised.
func (p *ScriptPolicy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
