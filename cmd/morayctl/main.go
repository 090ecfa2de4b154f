package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pior/moray"
	"github.com/pior/moray/resolver"
)

func main() {
	domain := flag.String("domain", "", "backend discovery domain (A or SRV owner name)")
	service := flag.String("service", moray.DirectModeService, "SRV service label, or the direct-mode sentinel")
	defaultPort := flag.Int("defaultPort", 2020, "port used for direct-mode A-record backends")
	target := flag.Int("target", 2, "desired steady-state connection count")
	maximum := flag.Int("maximum", 4, "hard ceiling on live connections")
	resolvers := flag.String("resolvers", "", "comma-separated DNS resolver addresses (empty: system resolver)")
	interval := flag.Duration("interval", 10*time.Second, "discovery polling interval")
	failFast := flag.Bool("failFast", false, "surface a fatal error if the initial connection attempt fails")
	flag.Parse()

	if *domain == "" {
		fmt.Println("morayctl: -domain is required")
		os.Exit(1)
	}

	var resolverAddrs []string
	if *resolvers != "" {
		resolverAddrs = strings.Split(*resolvers, ",")
	}

	cfg := moray.Config{
		Domain:      *domain,
		Service:     *service,
		DefaultPort: *defaultPort,
		Target:      *target,
		Maximum:     *maximum,
		Resolvers:   resolverAddrs,
		FailFast:    *failFast,
	}.WithDefaults()

	res := newResolverForConfig(cfg, *interval)

	client := moray.NewClient(cfg, res)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	fmt.Println("moray CLI Tool")
	fmt.Println("==============")
	fmt.Println("Commands: create-bucket <name>, delete-bucket <name>, list-buckets,")
	fmt.Println("          put <bucket> <key> <value>, get <bucket> <key>,")
	fmt.Println("          head <bucket> <key>, delete <bucket> <key>, stats, quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])
		reqCtx := context.Background()

		switch command {
		case "create-bucket":
			if len(parts) != 2 {
				fmt.Println("Usage: create-bucket <name>")
				continue
			}
			handleCreateBucket(reqCtx, client, parts[1])

		case "delete-bucket":
			if len(parts) != 2 {
				fmt.Println("Usage: delete-bucket <name>")
				continue
			}
			handleDeleteBucket(reqCtx, client, parts[1])

		case "list-buckets":
			handleListBuckets(reqCtx, client)

		case "put":
			if len(parts) != 4 {
				fmt.Println("Usage: put <bucket> <key> <value>")
				continue
			}
			handlePut(reqCtx, client, parts[1], parts[2], parts[3])

		case "get":
			if len(parts) != 3 {
				fmt.Println("Usage: get <bucket> <key>")
				continue
			}
			handleGet(reqCtx, client, parts[1], parts[2])

		case "head":
			if len(parts) != 3 {
				fmt.Println("Usage: head <bucket> <key>")
				continue
			}
			handleHead(reqCtx, client, parts[1], parts[2])

		case "delete":
			if len(parts) != 3 {
				fmt.Println("Usage: delete <bucket> <key>")
				continue
			}
			handleDelete(reqCtx, client, parts[1], parts[2])

		case "stats":
			handleStats(client)

		case "help":
			fmt.Println("Commands:")
			fmt.Println("  create-bucket <name>          - Create a bucket")
			fmt.Println("  delete-bucket <name>          - Delete a bucket")
			fmt.Println("  list-buckets                  - List every bucket")
			fmt.Println("  put <bucket> <key> <value>    - Store an object")
			fmt.Println("  get <bucket> <key>            - Fetch an object's body")
			fmt.Println("  head <bucket> <key>           - Fetch an object's metadata")
			fmt.Println("  delete <bucket> <key>         - Delete an object")
			fmt.Println("  stats                         - Show pool/client diagnostics")
			fmt.Println("  quit                          - Exit the CLI")

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", command)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

func newResolverForConfig(cfg moray.Config, interval time.Duration) resolver.Resolver {
	rcfg := resolver.Config{
		Domain:         cfg.Domain,
		Service:        cfg.Service,
		DefaultPort:    cfg.DefaultPort,
		Resolvers:      cfg.Resolvers,
		Interval:       interval,
		MaxConcurrency: cfg.MaxDNSConcurrency,
	}
	if cfg.Service == moray.DirectModeService || cfg.Service == "" {
		return resolver.NewDirect(rcfg, cfg.Recovery.DNS.Retries, cfg.Recovery.DNS.Timeout)
	}
	return resolver.NewSRV(rcfg, cfg.Recovery.DNSSRV.Retries, cfg.Recovery.DNSSRV.Timeout)
}

func handleCreateBucket(ctx context.Context, client *moray.Client, name string) {
	start := time.Now()
	err := client.CreateBucket(ctx, name, nil)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Bucket created (took %v)\n", duration)
}

func handleDeleteBucket(ctx context.Context, client *moray.Client, name string) {
	start := time.Now()
	err := client.DeleteBucket(ctx, name)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Bucket deleted (took %v)\n", duration)
}

func handleListBuckets(ctx context.Context, client *moray.Client) {
	start := time.Now()
	it, err := client.ListBuckets(ctx, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer it.Close()

	count := 0
	for {
		info, done, err := it.Next(ctx)
		if err != nil {
			fmt.Printf("Error: %v (took %v)\n", err, time.Since(start))
			return
		}
		if done {
			break
		}
		count++
		fmt.Printf("  %s (created %s)\n", info.Name, info.Created.Format(time.RFC3339))
	}
	fmt.Printf("Listed %d bucket(s) (took %v)\n", count, time.Since(start))
}

func handlePut(ctx context.Context, client *moray.Client, bucket, key, value string) {
	start := time.Now()
	info, err := client.PutObject(ctx, bucket, key, strings.NewReader(value), nil)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Stored %s/%s: %d bytes, etag=%s (took %v)\n", bucket, key, info.Size, info.ETag, duration)
}

func handleGet(ctx context.Context, client *moray.Client, bucket, key string) {
	start := time.Now()
	body, info, err := client.GetObject(ctx, bucket, key)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, time.Since(start))
		return
	}
	defer body.Close()

	buf := make([]byte, info.Size)
	n := 0
	for {
		read, err := body.Read(buf[n:])
		n += read
		if err != nil {
			break
		}
		if n >= len(buf) {
			break
		}
	}
	fmt.Printf("Value: %s (took %v)\n", string(buf[:n]), time.Since(start))
}

func handleHead(ctx context.Context, client *moray.Client, bucket, key string) {
	start := time.Now()
	info, err := client.HeadObject(ctx, bucket, key)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Size: %s, etag=%s (took %v)\n", strconv.FormatInt(info.Size, 10), info.ETag, duration)
}

func handleDelete(ctx context.Context, client *moray.Client, bucket, key string) {
	start := time.Now()
	err := client.DeleteObject(ctx, bucket, key)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Delete successful (took %v)\n", duration)
}

func handleStats(client *moray.Client) {
	diag := client.Diagnostics()
	fmt.Printf("State: %s, connected: %v, active requests: %d\n", diag.State, diag.Connected, diag.ActiveRequests)
	fmt.Printf("Pool: total=%d avail=%d draining=%d fallback=%d outstanding=%d\n",
		diag.Pool.TotalConns, diag.Pool.AvailConns, diag.Pool.DrainingConns, diag.Pool.FallbackConns, diag.Pool.OutstandingTotal)
	fmt.Printf("Client: started=%d completed=%d failed=%d\n",
		diag.Client.RequestsStarted, diag.Client.RequestsCompleted, diag.Client.RequestsFailed)
}
