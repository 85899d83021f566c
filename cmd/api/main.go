package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"perimeter.org/internal/audit"
	"perimeter.org/internal/authz"
	"perimeter.org/internal/config"
	"perimeter.org/internal/grpcapi"
	"perimeter.org/internal/httpapi"
	"perimeter.org/internal/migrate"
	"perimeter.org/internal/obs"
	"perimeter.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("PERIMETER_CONFIG"), "Path to YAML config")
		autoUp     = flag.Bool("migrate", false, "Run pending migrations before serving")
	)
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		store authz.Store
		dec   authz.DecisionStore
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		store, dec = pgStore, pgStore

		if *autoUp {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			mgr := migrate.NewManager(db, cfg.MigrationsDir, cfg.MigrationsDir+"/seeds")
			err := mgr.Up(ctx)
			cancel()
			if err != nil {
				log.Fatalf("migrate up: %v", err)
			}
		}
	} else {
		log.Println("no DSN configured, using in-memory store")
		mem := authz.NewInMemory()
		if err := seedRoot(mem, cfg.SuperOrganization); err != nil {
			log.Fatalf("seed in-memory store: %v", err)
		}
		store, dec = mem, mem
	}

	svc, err := authz.NewService(store)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	engine := authz.NewEngine(dec, authz.WithSuperOrganization(cfg.SuperOrganization))

	// decision metrics and the audit trail hang off the engine
	engine.OnDecision(func(ctx context.Context, chk *authz.Check, allowed bool) error {
		obs.CountDecision(allowed)
		return nil
	})
	engine.OnDecision(func(ctx context.Context, chk *authz.Check, allowed bool) error {
		return audit.LogEvent(ctx, "authorization.decision", map[string]any{
			"user_id":         chk.UserID,
			"organization_id": chk.OrganizationID,
			"action":          chk.Action,
			"resource":        chk.Resource,
			"access":          allowed,
		})
	})

	api := httpapi.New(svc, engine, httpapi.Options{
		Version:    version,
		AuthSecret: cfg.AuthSecret,
		Ready:      httpapi.ReadyProbe{DB: db},
		RateRPS:    cfg.RateLimit.RPS,
		RateBurst:  cfg.RateLimit.Burst,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var grpcSrv *grpcapi.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpcapi.New(httpapi.ReadyProbe{DB: db}.Check)
		go func() {
			if err := grpcSrv.Serve(rootCtx, lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", cfg.GRPCListen)
	}

	log.Printf("Starting perimeter-api %s on %s", version, cfg.Listen)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	log.Println("Stopped")
}

// seedRoot mirrors migrations/seeds/0001_root.sql for local runs: the
// super organization with a root-admin user holding an allow-all policy.
func seedRoot(store authz.Store, superOrg string) error {
	if superOrg == "" {
		return nil
	}
	ctx := context.Background()
	if err := store.CreateOrganization(ctx, authz.Organization{
		ID:   superOrg,
		Name: "Root",
	}); err != nil {
		return err
	}
	if err := store.CreateUser(ctx, authz.User{
		ID:             "root-admin",
		OrganizationID: superOrg,
		Name:           "Root Admin",
	}); err != nil {
		return err
	}
	policy := authz.Policy{
		ID:             "root-admin-policy",
		OrganizationID: superOrg,
		Name:           "Root Admin",
		Version:        authz.DefaultPolicyVersion,
		Statements: []authz.Statement{{
			Effect:   authz.EffectAllow,
			Action:   []string{"*"},
			Resource: []string{"*"},
		}},
	}
	if err := store.CreatePolicy(ctx, policy); err != nil {
		return err
	}
	owner := authz.EntityRef{
		Kind:           authz.EntityUser,
		ID:             "root-admin",
		OrganizationID: superOrg,
	}
	return store.AddInstances(ctx, owner, []authz.PolicyInstance{{
		PolicyID: policy.ID,
		Instance: "root-admin-instance",
	}})
}
