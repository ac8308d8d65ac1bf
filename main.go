package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/jobs"
	"github.com/anterales/relay/metrics"
	"github.com/anterales/relay/util"
	"github.com/anterales/relay/web"
)

func main() {
	var (
		blocks      = pflag.StringSliceP("block", "b", nil, "block domain(s) on the running relay and exit")
		allows      = pflag.StringSliceP("allow", "a", nil, "allow domain(s) on the running relay and exit")
		undo        = pflag.BoolP("undo", "u", false, "remove the -b/-a domains instead of adding them")
		unsubscribe = pflag.String("unsubscribe", "", "force-remove a listener by actor IRI and exit")
		listeners   = pflag.BoolP("listeners", "l", false, "list connected listeners and exit")
		showVersion = pflag.BoolP("version", "v", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(util.GetNameAndVersion())
		return
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	if code, handled := runAdminCommand(conf, *blocks, *allows, *undo, *unsubscribe, *listeners); handled {
		os.Exit(code)
	}

	if conf.Conf.Debug {
		fmt.Println("Configuration: ")
		fmt.Println(util.PrettyPrint(conf))
	}

	if err := run(conf); err != nil {
		log.Fatalln(err)
	}
}

func run(conf *util.AppConfig) error {
	database, err := db.Open(conf.Conf.SledPath)
	if err != nil {
		return err
	}
	defer database.Close()

	key, err := database.PrivateKey()
	if err != nil {
		return err
	}
	publicKeyPem, err := db.PublicKeyPem(key)
	if err != nil {
		return err
	}

	metrics.Serve(conf.Conf.PrometheusAddr, conf.Conf.PrometheusPort)

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxConnsPerHost:     conf.Conf.ClientPoolSize,
			MaxIdleConnsPerHost: conf.Conf.ClientPoolSize,
		},
	}

	resolver := activitypub.NewResolver(database, client, util.UserAgent())
	verifier := activitypub.NewVerifier(resolver, conf.Conf.ValidateSignatures)
	signer := activitypub.NewSigner(key, conf.KeyID())
	builder := activitypub.NewBuilder(conf.BaseURL(), conf.ActorIRI())

	engine := jobs.NewEngine(database.KV(), conf.Conf.ClientPoolSize)
	jobs.NewDeliverer(database, signer, client, util.UserAgent(), conf.Conf.FailureThreshold).Register(engine)
	jobs.NewAPub(database, engine, builder, resolver).Register(engine)
	jobs.NewNodeInfo(database, engine, client, util.UserAgent()).Register(engine)
	maintenance := jobs.NewMaintenance(database, engine)

	inbox := activitypub.NewInbox(conf, database, verifier, resolver, engine)
	router := web.NewRouter(conf, database, inbox, engine, publicKeyPem)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Addr, conf.Conf.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return maintenance.Run(ctx) })

	g.Go(func() error {
		log.Printf("Web: serving on %s", server.Addr)
		var err error
		if conf.Conf.TLSCert != "" && conf.Conf.TLSKey != "" {
			err = server.ListenAndServeTLS(conf.Conf.TLSCert, conf.Conf.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Main: shutting down")
		drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(drain)
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// adminCall is one request against the admin API of a running relay.
type adminCall struct {
	method string
	path   string
	body   map[string]string
}

// runAdminCommand talks to the admin API of an already running relay
// process. -u inverts the -b/-a additions into removals. Returns the
// exit code and whether a command flag was given.
func runAdminCommand(conf *util.AppConfig, blocks, allows []string, undo bool, unsubscribe string, listeners bool) (int, bool) {
	method := http.MethodPost
	if undo {
		method = http.MethodDelete
	}

	var calls []adminCall
	for _, d := range blocks {
		calls = append(calls, adminCall{method, "/blocks", map[string]string{"domain": d}})
	}
	for _, d := range allows {
		calls = append(calls, adminCall{method, "/allows", map[string]string{"domain": d}})
	}
	if unsubscribe != "" {
		calls = append(calls, adminCall{http.MethodDelete, "/listeners", map[string]string{"actor_iri": unsubscribe}})
	}
	if listeners {
		calls = append(calls, adminCall{http.MethodGet, "/listeners", nil})
	}
	if len(calls) == 0 {
		return 0, false
	}

	if conf.Conf.APIToken == "" {
		fmt.Fprintln(os.Stderr, "API_TOKEN is not set")
		return 1, true
	}

	exit := 0
	for _, c := range calls {
		if err := doAdminCall(conf, c); err != nil {
			fmt.Fprintln(os.Stderr, err)
			exit = 1
		}
	}
	return exit, true
}

func doAdminCall(conf *util.AppConfig, c adminCall) error {
	var body io.Reader
	if c.body != nil {
		raw, _ := json.Marshal(c.body)
		body = bytes.NewReader(raw)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/admin%s", conf.Conf.Port, c.path)
	req, err := http.NewRequest(c.method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conf.Conf.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Println(string(out))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", c.method, c.path, resp.Status)
	}
	return nil
}
