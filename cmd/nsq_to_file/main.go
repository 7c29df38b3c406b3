// nsq_to_file subscribes to a topic/channel and appends each message
// body, newline-delimited, to a file per topic under --output-dir,
// rotating to a new file once --rotate-size is exceeded.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	nsq "github.com/nsqio/go-nsq"
	"github.com/nsqio/go-nsq/internal/app"
)

var (
	showVersion = flag.Bool("version", false, "print version string")

	topic       = flag.String("topic", "", "nsq topic")
	channel     = flag.String("channel", "nsq_to_file", "nsq channel")
	maxInFlight = flag.Int("max-in-flight", 200, "max number of messages to allow in flight")
	outputDir   = flag.String("output-dir", ".", "directory to write output files to")
	rotateSize  = flag.Int64("rotate-size", 100*1024*1024, "rotate to a new file after this many bytes")

	nsqdTCPAddrs     app.StringArray
	lookupdHTTPAddrs app.StringArray
)

func init() {
	flag.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	flag.Var(&lookupdHTTPAddrs, "lookupd-http-address", "lookupd HTTP address (may be given multiple times)")
}

// fileWriter owns the currently-open output file for one topic,
// rotating it once it crosses rotateSize
type fileWriter struct {
	mtx     sync.Mutex
	dir     string
	topic   string
	maxSize int64
	f       *os.File
	size    int64
	fileSeq int
}

func newFileWriter(dir, topic string, maxSize int64) *fileWriter {
	return &fileWriter{dir: dir, topic: topic, maxSize: maxSize}
}

func (w *fileWriter) HandleMessage(m *nsq.Message) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.f == nil || w.size >= w.maxSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.f.Write(append(m.Body, '\n'))
	if err != nil {
		return err
	}
	w.size += int64(n)
	return nil
}

func (w *fileWriter) rotate() error {
	if w.f != nil {
		w.f.Close()
	}
	w.fileSeq++
	name := filepath.Join(w.dir, fmt.Sprintf("%s.%06d.log", w.topic, w.fileSeq))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	log.Printf("writing to %s", name)
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("nsq_to_file v%s\n", nsq.VERSION)
		return
	}

	if *topic == "" {
		log.Fatalf("--topic is required")
	}

	if len(nsqdTCPAddrs) == 0 && len(lookupdHTTPAddrs) == 0 {
		log.Fatalf("--nsqd-tcp-address or --lookupd-http-address required")
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create --output-dir %s - %s", *outputDir, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg := nsq.NewConfig()
	cfg.UserAgent = fmt.Sprintf("nsq_to_file/%s", nsq.VERSION)

	consumer, err := nsq.NewConsumer(*topic, *channel, cfg)
	if err != nil {
		log.Fatalf(err.Error())
	}

	if err := consumer.SetMaxInFlight(*maxInFlight); err != nil {
		log.Fatalf(err.Error())
	}

	consumer.SetLogger(log.New(os.Stderr, "", log.LstdFlags), nsq.LogLevelInfo)
	consumer.AddHandler(newFileWriter(*outputDir, *topic, *rotateSize))

	if len(nsqdTCPAddrs) > 0 {
		if err := consumer.ConnectToNSQDs(nsqdTCPAddrs); err != nil {
			log.Fatalf(err.Error())
		}
	}

	if len(lookupdHTTPAddrs) > 0 {
		if err := consumer.ConnectToNSQLookupds(lookupdHTTPAddrs); err != nil {
			log.Fatalf(err.Error())
		}
	}

	for {
		select {
		case <-consumer.StopChan:
			return
		case <-sigChan:
			consumer.Stop()
		}
	}
}
