package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sys/unix"

	"vectorflow/internal/catalog"
	"vectorflow/internal/stage"
	"vectorflow/internal/trigger"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDefinitions loads every definition under dir and verifies that their
// schedules parse and their plugins are registered.
func CheckDefinitions(ctx context.Context, dir string, stages *stage.Registry) Result {
	const name = "Pipeline definitions"

	cat, err := catalog.OpenDir(ctx, dir, nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defs := cat.List()
	if err := trigger.ValidateDefinitions(defs); err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if stages != nil {
		if err := stages.Validate(defs); err != nil {
			return Result{Name: name, Detail: err.Error()}
		}
	}
	if len(defs) == 0 {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (no pipelines defined)", dir)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d pipelines", len(defs))}
}

// CheckKafka dials the first reachable broker and reads cluster metadata.
func CheckKafka(ctx context.Context, brokers []string) Result {
	const name = "Kafka"

	if len(brokers) == 0 {
		return Result{Name: name, Detail: "no brokers configured"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(checkCtx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		members, err := conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d brokers)", broker, len(members))}
	}
	return Result{Name: name, Detail: summarizeDialError(lastErr)}
}

// CheckNtfy verifies the ntfy topic endpoint answers.
func CheckNtfy(ctx context.Context, topic string) Result {
	const name = "ntfy"

	endpoint := strings.TrimSpace(topic)
	if endpoint == "" {
		return Result{Name: name, Detail: "missing topic"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, endpoint, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", summarizeDialError(err))}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 400, resp.StatusCode == http.StatusMethodNotAllowed:
		return Result{Name: name, Passed: true, Detail: "Reachable"}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "auth failed (topic requires credentials)"}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%d)", resp.StatusCode)}
	}
}

func summarizeDialError(err error) string {
	if err == nil {
		return "unreachable"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
