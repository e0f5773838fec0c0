package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"buslane.org/internal/api"
	"buslane.org/internal/config"
	"buslane.org/internal/fare"
	"buslane.org/internal/identity"
	"buslane.org/internal/obs"
	"buslane.org/internal/session"
	"buslane.org/internal/storage"
	"buslane.org/internal/ticket"
)

var version = "0.3.1"

func usage() {
	fmt.Fprintln(os.Stderr, `usage: busctl <command> [args]

commands:
  signup <name> <email> <password>   register an account
  login <email> <password>           authenticate and store the session
  whoami                             reconcile and print the current identity
  logout                             end the session and clear local state
  fares [district]                   print the fare table
  book <fullname> <phone> <district> <drop-point>
                                     book a ticket at the table fare
  tickets                            print cached bookings, refreshed when possible
  remove <ticket-id>                 delete a booking (optimistic, rolled back on failure)
  ask <question...>                  ask the support assistant
  watch                              follow session/ticket state until interrupted`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg := config.Load()

	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}

	client, err := api.New(cfg.BackendURL)
	if err != nil {
		log.Fatalf("backend client: %v", err)
	}

	sessions := session.NewStore(db)
	cache := ticket.NewCache(db, sessions, client)
	remover := ticket.NewRemover(cache)
	reconciler := session.NewReconciler(sessions, client,
		session.WithLogoutHook(func(ctx context.Context, id *identity.Identity) {
			cache.Evict(ctx, id.Key())
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "signup":
		if len(os.Args) != 5 {
			usage()
		}
		if err := reconciler.Signup(ctx, os.Args[2], os.Args[3], os.Args[4]); err != nil {
			log.Fatalf("signup: %v", err)
		}
		fmt.Println("account created, log in to continue")

	case "login":
		if len(os.Args) != 4 {
			usage()
		}
		if err := reconciler.Login(ctx, os.Args[2], os.Args[3]); err != nil {
			log.Fatalf("login: %v", err)
		}
		id := sessions.Get()
		fmt.Printf("logged in as %s <%s>\n", id.Name, id.Email)

	case "whoami":
		id, err := reconciler.Reconcile(ctx)
		if err != nil {
			log.Fatalf("identity check: %v", err)
		}
		if id == nil {
			fmt.Println("anonymous")
			return
		}
		fmt.Printf("%s <%s>\n", id.Name, id.Email)

	case "logout":
		if err := reconciler.Logout(ctx); err != nil {
			log.Fatalf("logout: %v", err)
		}
		fmt.Println("logged out")

	case "fares":
		table, err := fare.Load()
		if err != nil {
			log.Fatalf("fare table: %v", err)
		}
		printFares(table, os.Args[2:])

	case "book":
		if len(os.Args) != 6 {
			usage()
		}
		runBook(ctx, reconciler, sessions, cache, os.Args[2], os.Args[3], os.Args[4], os.Args[5])

	case "tickets":
		runTickets(ctx, reconciler, sessions, cache)

	case "remove":
		if len(os.Args) != 3 {
			usage()
		}
		runRemove(ctx, reconciler, cache, remover, os.Args[2])

	case "ask":
		if len(os.Args) < 3 {
			usage()
		}
		answer, err := client.Ask(ctx, strings.Join(os.Args[2:], " "))
		if err != nil {
			log.Fatalf("ask: %v", err)
		}
		fmt.Println(answer)

	case "watch":
		cancel()
		runWatch(cfg, reconciler, sessions, cache)

	default:
		usage()
	}
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.StateBackend {
	case "memory":
		return storage.NewMemory().Handle(), nil
	case "file", "":
		return storage.OpenFile(cfg.StateFile)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.OpenRedis(client, "")
	case "postgres":
		return storage.OpenPG(cfg.PGDSN)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func printFares(table *fare.Table, args []string) {
	districts := table.Districts()
	if len(args) == 1 {
		districts = []string{args[0]}
	}
	for _, district := range districts {
		points, ok := table.DropPoints(district)
		if !ok {
			log.Fatalf("unknown district %q", district)
		}
		fmt.Println(district)
		for _, p := range points {
			fmt.Printf("  %-28s %5d\n", p.Name, p.Price)
		}
	}
}

func runBook(ctx context.Context, rec *session.Reconciler, sessions *session.Store, cache *ticket.Cache, fullname, phone, district, dropPoint string) {
	if _, err := rec.Reconcile(ctx); err != nil {
		log.Fatalf("identity check: %v", err)
	}
	id := sessions.Get()
	if id == nil || id.Token == "" {
		log.Fatalf("log in before booking")
	}

	table, err := fare.Load()
	if err != nil {
		log.Fatalf("fare table: %v", err)
	}
	price, ok := table.Price(district, dropPoint)
	if !ok {
		log.Fatalf("no fare for %s / %s", district, dropPoint)
	}

	ticketID, err := cache.Book(ctx, id.Token, ticket.Ticket{
		Fullname:  fullname,
		Phone:     phone,
		District:  district,
		DropPoint: dropPoint,
		Price:     price,
	})
	if err != nil {
		log.Fatalf("book: %v", err)
	}
	fmt.Printf("ticket booked: %s (%d)\n", ticketID, price)
}

func runTickets(ctx context.Context, rec *session.Reconciler, sessions *session.Store, cache *ticket.Cache) {
	if _, err := rec.Reconcile(ctx); err != nil {
		obs.Warn("identity check failed, showing cached tickets", map[string]any{"error": err.Error()})
	}
	cache.Load(ctx)
	if id := sessions.Get(); id != nil && id.Token != "" {
		if err := cache.Refresh(ctx, id.Token); err != nil {
			obs.Warn("refresh failed, showing cached tickets", map[string]any{"error": err.Error()})
		}
	}

	tickets := cache.Tickets()
	if len(tickets) == 0 {
		fmt.Println("no bookings found")
		return
	}
	for _, t := range tickets {
		fmt.Printf("%-26s %-16s %-12s %-14s %-22s %5d\n", t.ID, t.Fullname, t.Phone, t.District, t.DropPoint, t.Price)
	}
}

func runRemove(ctx context.Context, rec *session.Reconciler, cache *ticket.Cache, remover *ticket.Remover, id string) {
	if _, err := rec.Reconcile(ctx); err != nil {
		log.Fatalf("identity check: %v", err)
	}
	cache.Load(ctx)

	result, err := remover.Remove(ctx, id)
	if err != nil {
		log.Fatalf("remove: %v", err)
	}
	if result.LocalOnly {
		fmt.Println("removed locally; no credential, the backend still holds this ticket")
		return
	}
	fmt.Println("removed")
}

func runWatch(cfg config.Config, rec *session.Reconciler, sessions *session.Store, cache *ticket.Cache) {
	obs.Init()
	obs.InitBuildInfo(version, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := rec.Reconcile(ctx); err != nil {
		obs.Warn("initial identity check failed", map[string]any{"error": err.Error()})
	}
	cache.Load(ctx)

	unbind := cache.Bind(ctx)
	defer unbind()
	go sessions.Run(ctx)
	go cache.Run(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("metrics listen: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Printf("serving /metrics on %s", cfg.MetricsAddr)
	}

	log.Printf("watching session and ticket state (ctrl-c to stop)")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("stopped")
}
