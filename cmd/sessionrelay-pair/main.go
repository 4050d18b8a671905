// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// sessionrelay-pair is a headless companion to sessionrelay-server for
// operators without easy access to a phone camera or a browser next to
// the terminal: it requests an enrollment token from the server's
// /api/auth/qr endpoint and renders the same enrollment URL as an ASCII
// QR code directly in the terminal, alongside the raw URL and token for
// copy-paste pairing.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"

	"github.com/sessionrelay/sessionrelay/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type qrResponse struct {
	Token      string `json:"token"`
	ExpiresInS int    `json:"expires_in_s"`
	EnrollURL  string `json:"enroll_url"`
}

func run() error {
	var (
		serverURL   string
		timeout     time.Duration
		showVersion bool
		showHelp    bool
	)

	flagSet := pflag.NewFlagSet("sessionrelay-pair", pflag.ContinueOnError)
	flagSet.StringVarP(&serverURL, "server", "s", "http://localhost:8443", "base URL of the sessionrelay-server instance")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP request timeout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show this help message")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showHelp {
		fmt.Fprintf(os.Stdout, "Usage: sessionrelay-pair [flags]\n\n")
		flagSet.PrintDefaults()
		return nil
	}
	if showVersion {
		version.Print("sessionrelay-pair")
		return nil
	}

	resp, err := requestEnrollment(serverURL, timeout)
	if err != nil {
		return fmt.Errorf("requesting enrollment token: %w", err)
	}

	qr, err := qrcode.New(resp.EnrollURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("rendering QR code: %w", err)
	}

	fmt.Fprintln(os.Stdout, qr.ToString(false))
	fmt.Fprintf(os.Stdout, "Enrollment URL: %s\n", resp.EnrollURL)
	fmt.Fprintf(os.Stdout, "Token:          %s\n", resp.Token)
	fmt.Fprintf(os.Stdout, "Expires in:     %ds\n", resp.ExpiresInS)
	fmt.Fprintln(os.Stdout, "Scan with the mobile app, or open the URL above, before it expires.")
	return nil
}

func requestEnrollment(serverURL string, timeout time.Duration) (*qrResponse, error) {
	client := &http.Client{Timeout: timeout}

	httpResp, err := client.Post(serverURL+"/api/auth/qr", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", httpResp.Status)
	}

	var resp qrResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}
