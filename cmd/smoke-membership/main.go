package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"clubkit.org/internal/ids"
	"clubkit.org/internal/membership"
	"clubkit.org/internal/membership/remote"
	"clubkit.org/internal/obs"
)

func main() {
	log := obs.Logger()

	addr := os.Getenv("CLUBKIT_API_URL")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	tenant := os.Getenv("CLUBKIT_SMOKE_TENANT")
	if tenant == "" {
		tenant = "demo"
	}

	ctx, cancel := remote.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := remote.New(addr)
	token, err := client.IssueToken(ctx, "smoke", tenant, "admin")
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("issue token (dev tokens must be enabled)")
	}
	client = client.As(token)

	cats, err := client.Catalog(ctx)
	if err != nil || len(cats) < 2 {
		log.Fatal().Err(err).Int("categories", len(cats)).Msg("catalog needs at least two categories")
	}

	member := "smoke-" + ids.New()
	rec, err := client.Create(ctx, membership.NewRecord{
		MemberKey:   member,
		MemberName1: "Smoke Test",
		OrgKey:      "smoke-org",
		Category:    cats[0].Name,
		DateOfEntry: "20240101",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create")
	}

	tr, err := client.ChangeCategory(ctx, rec.Key, cats[1].Name, "20240601")
	if err != nil {
		log.Fatal().Err(err).Msg("change category")
	}
	if tr.Closed.DateOfExit != "20240531" || tr.Opened.DateOfEntry != "20240601" {
		log.Fatal().Str("closed_exit", string(tr.Closed.DateOfExit)).Str("opened_entry", string(tr.Opened.DateOfEntry)).Msg("transition is not contiguous")
	}

	ended, err := client.End(ctx, tr.Opened.Key, "20241231")
	if err != nil {
		log.Fatal().Err(err).Msg("end")
	}

	thread, err := client.Thread(ctx, ended.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("thread")
	}
	last := 0
	for _, r := range thread {
		if r.RelIsLast {
			last++
		}
	}
	if len(thread) != 2 || last != 1 {
		log.Fatal().Int("records", len(thread)).Int("last", last).Msg("unexpected thread shape")
	}

	fmt.Printf("✅ membership smoke test passed: member=%s thread=%d\n", member, len(thread))
}
