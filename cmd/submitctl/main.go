package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/ereceipt/remote"
)

// profile is the operator-side YAML configuration: endpoints plus one
// credential set. Secrets stay in the file, never on the command line.
type profile struct {
	IdentityURL string `yaml:"identity_url"`
	APIBaseURL  string `yaml:"api_base_url"`

	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret"`
	PosSerial         string `yaml:"pos_serial"`
	PosOSVersion      string `yaml:"pos_os_version"`
	PosModelFramework string `yaml:"pos_model_framework"`
	PresharedKey      string `yaml:"preshared_key"`
}

func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.IdentityURL == "" || p.APIBaseURL == "" {
		return nil, fmt.Errorf("profile must set identity_url and api_base_url")
	}
	return &p, nil
}

func main() {
	log.SetFlags(0)
	var (
		profilePath  = flag.String("profile", "profile.yaml", "YAML profile with endpoints and credentials")
		receiptsPath = flag.String("receipts", "", "JSON file with the submission batch")
		poll         = flag.Bool("poll", false, "poll accepted receipts until terminal status")
		timeout      = flag.Duration("timeout", 2*time.Minute, "overall operation timeout")
	)
	flag.Parse()

	if *receiptsPath == "" {
		log.Fatal("missing -receipts: provide a batch file")
	}

	prof, err := loadProfile(*profilePath)
	if err != nil {
		log.Fatalf("load profile: %v", err)
	}

	payload, err := os.ReadFile(*receiptsPath)
	if err != nil {
		log.Fatalf("read receipts: %v", err)
	}
	var batch ereceipt.SubmissionBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		log.Fatalf("parse receipts: %v", err)
	}

	creds := ereceipt.CredentialSet{
		ClientID:          prof.ClientID,
		ClientSecret:      prof.ClientSecret,
		PosSerial:         prof.PosSerial,
		PosOSVersion:      prof.PosOSVersion,
		PosModelFramework: prof.PosModelFramework,
		PresharedKey:      prof.PresharedKey,
	}

	gateway := remote.New(prof.IdentityURL, prof.APIBaseURL)
	orch := ereceipt.NewOrchestrator(gateway, ereceipt.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := orch.AuthenticateAndSubmit(ctx, creds, batch)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}

	fmt.Printf("submission %s: %d accepted, %d rejected\n",
		result.Outcome.SubmissionUUID, len(result.Outcome.Accepted), len(result.Outcome.Rejected))
	for _, acc := range result.Outcome.Accepted {
		fmt.Printf("  accepted %s uuid=%s longId=%s\n", acc.ReceiptNumber, acc.UUID, acc.LongID)
	}
	for _, rej := range result.Outcome.Rejected {
		fmt.Printf("  rejected %s: %s\n", rej.ReceiptNumber, rej.Error.Message)
	}

	if !*poll || len(result.Outcome.Accepted) == 0 {
		return
	}

	uuids := make([]string, 0, len(result.Outcome.Accepted))
	for _, acc := range result.Outcome.Accepted {
		uuids = append(uuids, acc.UUID)
	}

	for _, res := range orch.PollStatuses(ctx, creds, uuids...) {
		switch {
		case res.Err != nil:
			fmt.Printf("  %s: lookup failed after %d attempts: %v\n", res.UUID, res.Attempts, res.Err)
		case res.State.Terminal():
			fmt.Printf("  %s: %s (%s) after %d attempts\n", res.UUID, res.Snapshot.Status, res.State, res.Attempts)
		default:
			fmt.Printf("  %s: still %s after %d attempts\n", res.UUID, res.State, res.Attempts)
		}
	}
}
