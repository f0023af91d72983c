//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	postgresReadyTimeout = 30 * time.Second
)

// startPostgres runs a throwaway PostgreSQL container with the Docker CLI.
// Docker picks the host port; the container is removed when stopped.
func startPostgres(ctx context.Context) (string, func(), error) {
	image := os.Getenv("INTAKE_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}
	name := "intake-it-" + uuid.NewString()[:8]

	id, err := docker(ctx, "run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=intake",
		"-e", "POSTGRES_PASSWORD=intake",
		"-e", "POSTGRES_DB=intaketest",
		image,
	)
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		_, _ = docker(context.Background(), "stop", "-t", "2", id)
	}

	out, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	addr, err := publishedAddr(out)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	connStr := fmt.Sprintf("postgres://intake:intake@%s/intaketest?sslmode=disable", addr)
	if err := waitForPostgres(ctx, connStr); err != nil {
		cleanup()
		return "", nil, err
	}
	return connStr, cleanup, nil
}

// publishedAddr takes the first line of `docker port` output, e.g.
// "127.0.0.1:49153".
func publishedAddr(out string) (string, error) {
	addr := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("unexpected published address %q", out)
	}
	return addr, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	// Stdout only: run prints pull progress on stderr.
	out, err := exec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("docker %s: %w\n%s", args[0], err, exitErr.Stderr)
		}
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// waitForPostgres polls until the server answers a query over TCP.
func waitForPostgres(ctx context.Context, connStr string) error {
	ctx, cancel := context.WithTimeout(ctx, postgresReadyTimeout)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		if lastErr = ping(ctx, connStr); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", postgresReadyTimeout, lastErr)
		case <-tick.C:
		}
	}
}

func ping(ctx context.Context, connStr string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
