// reconctl is the operator CLI: it approves, cancels and inspects jobs over the HTTP API
// and checks liveness over the gRPC health service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/stywzn/recon-orchestrator/internal/server"
)

const usage = `usage: reconctl [flags] <command> [args]

commands:
  get <job-id>              print a job
  events <job-id>           print a job's audit trail
  approve <job-id>          approve an external job
  cancel <job-id>           cancel a job
  pause|resume|rerun <id>   drive the job state machine
  health                    probe the gRPC health service
`

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

// dialHealth forces IPv4 so a localhost address never resolves to ::1 first.
func dialHealth(addr string) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, a string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp4", a)
	}
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
}

func main() {
	fs := pflag.NewFlagSet("reconctl", pflag.ContinueOnError)
	apiAddr := fs.String("api", envOr("RECON_API", "http://127.0.0.1:8000"), "HTTP API base URL")
	grpcAddr := fs.String("grpc", envOr("RECON_GRPC", "127.0.0.1:9090"), "gRPC health address")
	token := fs.String("token", os.Getenv("RECON_APPROVAL_TOKEN"), "admin approval token")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage); fs.PrintDefaults() }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := dispatch(ctx, args, *apiAddr, *grpcAddr, *token, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "reconctl:", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, apiAddr, grpcAddr, token string, timeout time.Duration) error {
	cmd := args[0]
	if cmd == "health" {
		conn, err := dialHealth(grpcAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		st, err := server.Probe(ctx, conn, server.SchedulerService, timeout)
		if err != nil {
			return err
		}
		fmt.Println(st)
		if st != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("scheduler is %s", st)
		}
		return nil
	}

	if len(args) != 2 {
		return fmt.Errorf("%s needs exactly one job id", cmd)
	}
	c := &client{base: strings.TrimSuffix(apiAddr, "/"), token: token, http: &http.Client{Timeout: timeout}}
	id := args[1]
	switch cmd {
	case "get":
		return c.call(ctx, http.MethodGet, "/jobs/"+id, nil)
	case "events":
		return c.call(ctx, http.MethodGet, "/jobs/"+id+"/events", nil)
	case "approve":
		return c.call(ctx, http.MethodPost, "/jobs/"+id+"/approve", map[string]string{"token": c.token})
	case "cancel", "pause", "resume", "rerun":
		return c.call(ctx, http.MethodPost, "/jobs/"+id+"/"+cmd, nil)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
