//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/geotiff"
	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const rasterName = "data-mean_20250419_20250423.tif"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// baseConfig targets the Yucatán point and a fixture CHC server at baseURL.
func baseConfig(baseURL string) *config.Config {
	return &config.Config{
		TargetLat:           20.63,
		TargetLon:           -88.52,
		SourceStrategy:      config.StrategyListing,
		SourceBaseURL:       baseURL,
		SourcePrefix:        "data-mean",
		SourceExt:           "tif",
		SourceName:          "CHIRPS-GEFS",
		ForecastHorizonDays: 5,
		FallbackPolicy:      config.PolicyMockOnFailure,
		FetchTimeout:        10 * time.Second,
		FetchMaxBytes:       1 << 20,
		RunTimeout:          30 * time.Second,
		StoreBackend:        config.BackendMemory,
		DocumentID:          "latest",
		MongoDatabase:       "weather",
		MongoCollection:     "precipitation",
		MongoConnectTimeout: 10 * time.Second,
		RedisKeyPrefix:      "precipitation:",
		KafkaTopic:          "precipitation-runs",
	}
}

// startCHC serves a directory index plus one 20x20 raster whose pixel (9,7),
// the cell holding the Yucatán target, is 12.5 mm.
func startCHC(t *testing.T) string {
	t.Helper()
	samples := make([]domain.Sample, 400)
	for i := range samples {
		samples[i] = domain.Present(0.25)
	}
	samples[7*20+9] = domain.Present(12.5)
	grid, err := domain.NewGridFromOrigin(20, 20, samples, -89, 21, 0.05, 0.05)
	require.NoError(t, err)

	var raster bytes.Buffer
	require.NoError(t, geotiff.Encode(&raster, grid, geotiff.EncodeOptions{
		Compression: geotiff.CompressionDeflate,
		Predictor:   geotiff.PredictorFloat,
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/":
			fmt.Fprintf(w, `<html><body><pre><a href="../">Parent Directory</a>
<a href="%s">%s</a></pre></body></html>`, rasterName, rasterName)
		case "/latest/" + rasterName:
			_, _ = w.Write(raster.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/latest/"
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("precip-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrlConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrlConn.Close()

	require.NoError(t, ctrlConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func startMongo(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcmongo.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start mongo container")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start redis container")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)
	return opts.Addr
}
