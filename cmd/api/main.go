package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qonsent.org/internal/authz"
	"qonsent.org/internal/httpapi"
	"qonsent.org/internal/obs"
	"qonsent.org/internal/store/pg"
	"qonsent.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store   authz.Store
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if dsn := os.Getenv("QONSENT_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Println("QONSENT_PG_DSN not set, using in-memory store")
		store = authz.NewInMemory()
	}

	membership, err := membershipOracle()
	if err != nil {
		log.Fatalf("membership oracle: %v", err)
	}

	auditStream := stream.New()

	opts := []authz.CoordinatorOption{
		authz.WithAuditPublisher(auditStream),
	}
	if raw := os.Getenv("QONSENT_TRANSITIVE_DEPTH"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("QONSENT_TRANSITIVE_DEPTH: %v", err)
		}
		opts = append(opts, authz.WithDelegationOptions(authz.WithTransitiveDepth(depth)))
	}
	if os.Getenv("QONSENT_MOST_SPECIFIC_MATCH") == "true" {
		opts = append(opts, authz.WithPolicyOptions(authz.WithMostSpecificMatch()))
	}
	if raw := os.Getenv("QONSENT_MEMBERSHIP_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("QONSENT_MEMBERSHIP_TIMEOUT: %v", err)
		}
		opts = append(opts, authz.WithMembershipTimeout(d))
	}

	coord, err := authz.NewCoordinator(store, membership, opts...)
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	rootCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := authz.NewSweeper(store, 5*time.Minute)
	go sweeper.Run(rootCtx)

	api := httpapi.New(httpapi.Config{
		ReadyProbe:   probe,
		Version:      version,
		Coordinator:  coord,
		Stream:       auditStream,
		AuthDisabled: os.Getenv("QONSENT_AUTH_DISABLED") == "true",
	})

	addr := os.Getenv("QONSENT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting qonsent-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

// membershipOracle resolves DAO membership against an external endpoint:
// GET {base}/daos/{daoID}/members/{identityID} with 200 meaning member and
// 404 meaning not a member. Membership is authoritative upstream; there is
// no local fallback that answers yes.
func membershipOracle() (authz.MembershipOracle, error) {
	base := os.Getenv("QONSENT_MEMBERSHIP_URL")
	if base == "" {
		log.Println("QONSENT_MEMBERSHIP_URL not set, DAO-scoped checks will be denied")
		return authz.MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
			return false, nil
		}), nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return authz.MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			base+"/daos/"+daoID+"/members/"+identityID, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return false, &membershipStatusError{code: resp.StatusCode}
		}
	}), nil
}

type membershipStatusError struct {
	code int
}

func (e *membershipStatusError) Error() string {
	return "membership endpoint returned status " + strconv.Itoa(e.code)
}
