package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
)

var opts struct {
	Server  string         `short:"s" long:"server" description:"server base url" default:"http://localhost:8080"`
	Token   string         `short:"t" long:"token" description:"admin token, defaults to $VTT_ADMIN_TOKEN"`
	Cleanup bool           `long:"cleanup" description:"run one cleanup pass and print the report"`
	GM      string         `long:"gm" description:"gm url owning the game for --export"`
	Export  string         `long:"export" description:"game url to export as a zip bundle"`
	Output  flags.Filename `short:"o" long:"output" description:"destination for --export, defaults to <game>.zip"`
	Status  bool           `long:"status" description:"print the server status"`
}

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
	if opts.Token == "" {
		opts.Token = os.Getenv("VTT_ADMIN_TOKEN")
	}
	base := strings.TrimRight(opts.Server, "/")

	switch {
	case opts.Cleanup:
		body := request(http.MethodPost, base+"/vtt/admin/cleanup")
		fmt.Println(string(body))
	case opts.Export != "":
		if opts.GM == "" {
			log.Fatal("--export needs --gm")
		}
		out := string(opts.Output)
		if out == "" {
			out = opts.Export + ".zip"
		}
		body := request(http.MethodGet, base+"/vtt/admin/export/"+opts.GM+"/"+opts.Export)
		if err := os.WriteFile(out, body, 0o644); err != nil {
			log.Panicf("%+v", err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", out, len(body))
	case opts.Status:
		body := request(http.MethodGet, base+"/vtt/api/status")
		fmt.Println(string(body))
	default:
		log.Fatal("nothing to do: pass --cleanup, --export or --status")
	}
}

func request(method, url string) []byte {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		log.Panicf("%+v", err)
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Panicf("%+v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Panicf("%+v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}
	return body
}
