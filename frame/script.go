package frame

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/sensorbridge/logger"
)

// DefaultScriptTimeout bounds a single decode call
const DefaultScriptTimeout = 100 * time.Millisecond

// ScriptDecoder runs a JavaScript `decode(line)` function that returns an
// array of numbers, for firmware whose frames are neither CSV nor JSON.
type ScriptDecoder struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	decode     goja.Callable
	scriptPath string
	timeout    time.Duration
}

// LoadScriptDecoder builds a decoder from inline code, or from scriptPath
// when code is empty.
func LoadScriptDecoder(code, scriptPath string, timeout time.Duration) (*ScriptDecoder, error) {
	if code == "" {
		if scriptPath == "" {
			return nil, fmt.Errorf("no decoder script code or script path provided")
		}
		b, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load decoder script %s: %w", scriptPath, err)
		}
		code = string(b)
	}
	return NewScriptDecoder(code, scriptPath, timeout)
}

// NewScriptDecoder compiles code and looks up its decode function
func NewScriptDecoder(code, scriptPath string, timeout time.Duration) (*ScriptDecoder, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	vm := goja.New()
	_ = vm.Set("log", func(msg string) {
		logger.Debug("[decoder] %s", msg)
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to run decoder script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("decode"))
	if !ok {
		return nil, fmt.Errorf("decoder script does not define a 'decode' function")
	}

	return &ScriptDecoder{
		vm:         vm,
		decode:     fn,
		scriptPath: scriptPath,
		timeout:    timeout,
	}, nil
}

// Decode implements Decoder
func (d *ScriptDecoder) Decode(frame []byte) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fired := make(chan struct{})
	timer := time.AfterFunc(d.timeout, func() {
		d.vm.Interrupt("decode timeout")
		close(fired)
	})
	defer func() {
		// a callback already running must land before the interrupt is cleared
		if !timer.Stop() {
			<-fired
		}
		d.vm.ClearInterrupt()
	}()

	result, err := d.decode(goja.Undefined(), d.vm.ToValue(string(frame)))
	if err != nil {
		return nil, fmt.Errorf("decode script failed: %v", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, fmt.Errorf("decode script returned no fields")
	}

	values, ok := result.Export().([]interface{})
	if !ok {
		return nil, fmt.Errorf("decode script must return an array, got %T", result.Export())
	}

	fields := make([]float64, 0, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case int64:
			fields = append(fields, float64(n))
		case float64:
			fields = append(fields, n)
		default:
			return nil, fmt.Errorf("decode script field %d is %T, not a number", i, v)
		}
	}
	return fields, nil
}
