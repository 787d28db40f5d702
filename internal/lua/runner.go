package lua

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/groutine"
)

// CaptureBuffer is how many output records CaptureScript keeps.
const CaptureBuffer uint32 = 4096

// OutputDrainer copies an output stream to stdout/stderr writers until the
// stream is closed or it is cancelled.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() {
	d.wg.Wait()
}

func writeRecord(record OutputRecord, stdout, stderr io.Writer, logger *logrus.Logger) {
	w := stdout
	if record.Source == SourceStderr {
		w = stderr
	}
	if _, err := fmt.Fprint(w, record.Content); err != nil {
		logger.WithFields(logrus.Fields{
			"source": record.Source,
			"error":  err,
		}).Warn("Output drainer: write failed")
	}
}

// drainWithTimeout flushes what is left in output, giving up after timeout.
func drainWithTimeout(output <-chan OutputRecord, stdout, stderr io.Writer, timeout time.Duration, logger *logrus.Logger) {
	deadline := time.After(timeout)
	for {
		select {
		case record, ok := <-output:
			if !ok {
				return
			}
			writeRecord(record, stdout, stderr, logger)
		case <-deadline:
			logger.WithField("timeout", timeout).Debug("Output drainer: drain timeout reached")
			return
		}
	}
}

// NewOutputDrainer starts draining output. nil writers discard.
func NewOutputDrainer(ctx context.Context, output <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	d := &OutputDrainer{stop: make(chan struct{})}

	d.wg.Add(1)
	groutine.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer d.wg.Done()
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))

		for {
			select {
			case record, ok := <-output:
				if !ok {
					return
				}
				writeRecord(record, stdout, stderr, logger)
			case <-d.stop:
				drainWithTimeout(output, stdout, stderr, 100*time.Millisecond, logger)
				return
			case <-ctx.Done():
				drainWithTimeout(output, stdout, stderr, 100*time.Millisecond, logger)
				return
			}
		}
	})
	return d
}

// SetArgs publishes args to the script as the global arg table.
func (api *API) SetArgs(args map[string]string) {
	api.engine.Do(func(L *lua.State) {
		L.NewTable()
		for k, v := range args {
			setString(L, k, v)
		}
		L.SetGlobal("arg")
	})
}

// RunScript executes script against a, streaming its output to stdout and
// stderr while it runs.
func RunScript(ctx context.Context, a *adapter.Adapter, logger *logrus.Logger, script, name string, args map[string]string, stdout, stderr io.Writer) error {
	api := NewAPI(a, logger)
	api.SetArgs(args)

	drainer := NewOutputDrainer(ctx, api.OutputChannel(), api.logger, stdout, stderr)

	api.logger.WithFields(logrus.Fields{"script": name, "size": len(script)}).Debug("Starting Lua script")
	err := api.Execute(ctx, script, name)

	// closes the output stream, which ends the drainer
	api.Close()
	drainer.Wait()

	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	return nil
}

// CaptureScript executes script and returns everything it printed, stderr
// included, in emission order.
func CaptureScript(ctx context.Context, a *adapter.Adapter, logger *logrus.Logger, script, name string, args map[string]string) (string, error) {
	api := NewAPI(a, logger)
	api.SetArgs(args)

	collector, err := NewOutputCollector(api.OutputChannel(), CaptureBuffer)
	if err != nil {
		api.Close()
		return "", err
	}
	if err := collector.Start(); err != nil {
		api.Close()
		return "", err
	}

	runErr := api.Execute(ctx, script, name)
	api.Close()
	collector.Wait()

	out, err := collector.ConsumePlainText()
	if err != nil {
		return out, err
	}
	if runErr != nil {
		return out, fmt.Errorf("failed to execute script: %w", runErr)
	}
	return out, nil
}
