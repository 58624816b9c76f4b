// Command cloudkitd is an example HTTP transport for core/store: it maps
// requests onto Store method calls and Responses back onto the wire, the
// way the teacher's service binaries wire backend.Builder into a
// gorilla/mux router.
package main

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"

	"github.com/relabs-tech/cloudkit/core/csql"
	"github.com/relabs-tech/cloudkit/core/logger"
	"github.com/relabs-tech/cloudkit/core/notify"
	"github.com/relabs-tech/cloudkit/core/schema"
	"github.com/relabs-tech/cloudkit/core/sqladapter"
	"github.com/relabs-tech/cloudkit/core/store"
)

// defaultConfigurationJSON registers the example "foos" and "bars"
// collections plus a view over "foos" keyed by a "category" field, mirroring the shape of the teacher's
// embedded configurationJSON services.
var defaultConfigurationJSON = `
{
	"collections": [
		{"name": "foos"},
		{"name": "bars"}
	],
	"views": [
		{"name": "foos-by-category", "observes": "foos", "keys": ["category"]}
	]
}
`

// environment holds the settings cloudkitd reads from its process
// environment, in the teacher's envdecode style.
type environment struct {
	Postgres     string `env:"POSTGRES,required" description:"connection string for the Postgres database"`
	Schema       string `env:"CLOUDKIT_SCHEMA,default=cloudkit" description:"Postgres schema to store data in"`
	Port         string `env:"CLOUDKIT_PORT,default=3000" description:"port to listen on"`
	KafkaBrokers string `env:"CLOUDKIT_KAFKA_BROKERS" description:"comma-separated Kafka broker addresses; notifications are disabled if empty"`
}

func main() {
	logger.InitLogger(0)
	rlog := logger.Default()

	var env environment
	if err := envdecode.Decode(&env); err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: invalid environment")
	}

	db := csql.OpenWithSchema(env.Postgres, "", env.Schema)
	defer db.Close()

	adapter, err := sqladapter.New(db)
	if err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: initialize adapter")
	}

	var cfg store.Config
	if err := json.Unmarshal([]byte(defaultConfigurationJSON), &cfg); err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: invalid configuration")
	}

	validator, err := schema.NewValidator(nil, nil)
	if err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: initialize schema validator")
	}

	builder := store.Builder{
		Config:    cfg,
		Adapter:   adapter,
		Validator: validator,
	}
	if env.KafkaBrokers != "" {
		kafkaNotifier := notify.NewKafkaNotifier(strings.Split(env.KafkaBrokers, ","))
		defer kafkaNotifier.Close()
		builder.Notifier = kafkaNotifier
	}

	ctx, _ := logger.ContextWithLogger(nil)
	st, err := store.New(ctx, builder)
	if err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: initialize store")
	}

	router := mux.NewRouter()
	router.Use(requestLogging)
	logger.AddRequestID(router)
	router.PathPrefix("/").Handler(handlers.CompressHandler(http.HandlerFunc(newHandler(st))))

	rlog.Infoln("cloudkitd: listening on port", env.Port)
	if err := http.ListenAndServe(":"+env.Port, router); err != nil {
		rlog.WithError(err).Fatalln("cloudkitd: server exited")
	}
}

func requestLogging(h http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(logger.Default().Writer(), h)
}

// reservedQueryKeys are the Options fields parsed directly from the query
// string; everything else becomes an Options.Filters entry.
var reservedQueryKeys = map[string]bool{
	"remote_user": true,
	"limit":       true,
	"offset":      true,
}

func newHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rlog := logger.FromContext(ctx)
		uri := r.URL.Path

		opts := optionsFromRequest(r)

		var resp store.Response
		switch r.Method {
		case http.MethodGet:
			resp = st.Get(ctx, uri, opts)
		case http.MethodHead:
			resp = st.Head(ctx, uri, opts)
		case http.MethodPut:
			resp = st.Put(ctx, uri, opts)
		case http.MethodPost:
			resp = st.Post(ctx, uri, opts)
		case http.MethodDelete:
			resp = st.Delete(ctx, uri, opts)
		case http.MethodOptions:
			resp = st.Options(uri)
		default:
			resp = store.NewResponse(http.StatusMethodNotAllowed)
		}

		writeResponse(w, resp)
		rlog.Debugln("cloudkitd:", r.Method, uri, "->", resp.Status)
	}
}

func optionsFromRequest(r *http.Request) store.Options {
	q := r.URL.Query()
	opts := store.Options{Filters: map[string]string{}}

	if v := q.Get("remote_user"); v != "" {
		opts.RemoteUser = v
		opts.HasRemoteUser = true
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
			opts.HasLimit = true
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	for k, values := range q {
		if reservedQueryKeys[k] || len(values) == 0 {
			continue
		}
		opts.Filters[k] = values[0]
	}

	if etag := r.Header.Get("If-Match"); etag != "" {
		opts.ETag = strings.Trim(etag, `"`)
		opts.HasETag = true
	}

	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		opts.JSON = string(body)
		opts.HasJSON = opts.JSON != ""
	}
	return opts
}

func writeResponse(w http.ResponseWriter, resp store.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if resp.Content != "" {
		_, _ = w.Write([]byte(resp.Content))
	}
}
