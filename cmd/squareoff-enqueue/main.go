package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"squareoff/go_src/bootstrap"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/logging_helper"
	"squareoff/go_src/position"

	"gopkg.in/yaml.v3"
)

const appName = "squareoff-enqueue"

func main() {
	orderID := flag.String("order", "", "order id of the position to exit")
	at := flag.String("at", "", "RFC3339 time the exit may start (default: now)")
	statusID := flag.String("status", "", "print the stored state of this order id and exit")
	recordPath := flag.String("record", "", "record the positions in this JSON or YAML file and exit")
	flag.Parse()

	if *orderID == "" && *statusID == "" && *recordPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	log.Printf("Starting %s utility...", appName)
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := logging_helper.SetupLogging(cfg, appName+"-cli"); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open position store: %v", err)
	}
	defer closeStore()

	switch {
	case *recordPath != "":
		n, err := recordFile(ctx, store, *recordPath)
		if err != nil {
			log.Fatalf("Failed to record positions: %v", err)
		}
		fmt.Printf("Recorded %d position(s) from %s\n", n, *recordPath)

	case *statusID != "":
		if err := printStatus(ctx, store, *statusID, os.Stdout); err != nil {
			log.Fatalf("%v", err)
		}

	default:
		notBefore, err := parseAt(*at, time.Now())
		if err != nil {
			log.Fatalf("%v", err)
		}
		if _, err := store.FindByOrderID(ctx, *orderID); err != nil {
			log.Fatalf("Refusing to enqueue: %v", err)
		}
		queue, err := bootstrap.OpenQueue(ctx, cfg)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer queue.Close()

		task, err := job_queue.NewPublisher(queue.Channel, queue.Topology).EnqueueExitTask(ctx, *orderID, notBefore)
		if err != nil {
			log.Fatalf("Failed to enqueue exit task: %v", err)
		}
		if err := store.MarkExitPending(ctx, *orderID, time.Now()); err != nil {
			log.Printf("Task enqueued but position not flagged pending: %v", err)
		}
		fmt.Printf("Enqueued exit task %s for order %s, not before %s\n", task.TaskID, task.OrderID, task.NotBefore.Format(time.RFC3339))
	}
}

// parseAt reads an RFC3339 time; empty means now.
func parseAt(s string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -at '%s', expected RFC3339: %w", s, err)
	}
	return t.UTC(), nil
}

// printStatus writes one line with the position's lifecycle fields.
func printStatus(ctx context.Context, store position.Store, orderID string, w io.Writer) error {
	p, err := store.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	exitAt := "-"
	if p.ExitAt != nil {
		exitAt = p.ExitAt.UTC().Format(time.RFC3339)
	}
	autoStatus := string(p.AutoSquareOffStatus)
	if autoStatus == "" {
		autoStatus = "-"
	}
	exitOrder := p.ExitOrderID
	if exitOrder == "" {
		exitOrder = "-"
	}
	_, err = fmt.Fprintf(w, "order=%s status=%s auto_square_off=%s exit_order=%s exit_at=%s attempts=%d",
		p.OrderID, p.Status, autoStatus, exitOrder, exitAt, p.ExitAttempts)
	if err == nil && p.LastExitError != "" {
		_, err = fmt.Fprintf(w, " last_error=%q", p.LastExitError)
	}
	if err == nil {
		_, err = fmt.Fprintln(w)
	}
	return err
}

// decodePositions accepts a single position or a list, in JSON or YAML.
func decodePositions(data []byte, ext string) ([]position.Position, error) {
	var list []position.Position
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &list); err == nil {
			return list, nil
		}
		var one position.Position
		if err := yaml.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("failed to parse YAML positions: %w", err)
		}
		return []position.Position{one}, nil
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("failed to parse JSON positions: %w", err)
			}
			return list, nil
		}
		var one position.Position
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("failed to parse JSON position: %w", err)
		}
		return []position.Position{one}, nil
	}
}

func recordFile(ctx context.Context, store position.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	list, err := decodePositions(data, filepath.Ext(path))
	if err != nil {
		return 0, err
	}
	return recordPositions(ctx, store, list)
}

// recordPositions inserts each position, stopping at the first failure. An
// order id already on record is an error, so a closed position is never
// reopened by recording it again.
func recordPositions(ctx context.Context, store position.Store, list []position.Position) (int, error) {
	for i := range list {
		p := &list[i]
		p.Normalize()
		if err := p.Validate(); err != nil {
			return i, err
		}
		if err := store.InsertPosition(ctx, p); err != nil {
			return i, fmt.Errorf("order %s: %w", p.OrderID, err)
		}
	}
	return len(list), nil
}
