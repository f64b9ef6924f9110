// Command smoke-cluster runs one node of a hand-driven cluster check. Start
// several instances against the same store, set a key on one node and read
// it on another, delete it and watch every node drop its copy, and follow
// the heartbeat logs to see each cron tick land on exactly one instance.
// Stopping the store mid-run shows the nodes serving reads from their local
// fallbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/taskfleet/coordkit/v1/cache"
	"github.com/taskfleet/coordkit/v1/cron"
	"github.com/taskfleet/coordkit/v1/presets"
	"github.com/taskfleet/coordkit/v1/store"
	"github.com/taskfleet/coordkit/v1/watch"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port")
	name := flag.String("name", "node-1", "Instance name used in log lines")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address")
	flag.Parse()

	ctx := context.Background()

	stack, err := presets.NewRedis(ctx, presets.Options{
		Store: store.Config{Addr: *redisAddr},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer stack.Close()

	c := presets.NewCache[string](stack, "smoke:")
	defer c.Close()

	hub := watch.NewHub()
	if err := watch.Bridge(ctx, stack.Bus, cache.InvalidationSubject("smoke:"), hub); err != nil {
		log.Fatal(err)
	}

	// One line per tick across the whole cluster, whichever node wins.
	err = stack.Cron.Register(cron.Job{
		Name:  "smoke-heartbeat",
		Every: 2 * time.Second,
		Run: func(ctx context.Context) error {
			log.Printf("[%s] heartbeat fired on this instance", *name)
			return nil
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	stack.Cron.Start(ctx)

	http.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		val := r.URL.Query().Get("val")
		if err := c.Set(r.Context(), key, val, time.Hour); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		fmt.Fprintf(w, "OK")
	})

	http.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		val, found, err := c.Get(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if !found {
			http.Error(w, "not found", 404)
			return
		}
		fmt.Fprintf(w, "%s", val)
	})

	http.HandleFunc("/del", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if err := c.Del(r.Context(), key); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		fmt.Fprintf(w, "OK")
	})

	// curl -N 'localhost:8080/watch?topic=invalidations' follows the
	// cluster's invalidation traffic from any node.
	http.HandleFunc("/watch", watch.SSEHandler(hub))

	log.Printf("[%s] smoke node listening on :%d (store: %s)...", *name, *port, *redisAddr)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), nil))
}
