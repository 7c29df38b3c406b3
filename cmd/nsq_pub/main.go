// nsq_pub publishes a single message body (from argv or stdin) to a
// topic over nsqd's TCP protocol, the library equivalent of a curl POST
// to nsqd's HTTP /pub endpoint.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	nsq "github.com/nsqio/go-nsq"
	"github.com/nsqio/go-nsq/internal/app"
)

var (
	topic = flag.String("topic", "", "nsq topic")

	nsqdTCPAddrs app.StringArray
)

func init() {
	flag.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
}

func failWithUsage() {
	fmt.Println("usage: nsq_pub --topic=events --nsqd-tcp-address=127.0.0.1:4150 <body>")
	fmt.Println("       nsq_pub --topic=events --nsqd-tcp-address=127.0.0.1:4150 < body.txt")
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *topic == "" {
		fmt.Println("--topic is required")
		failWithUsage()
	}

	if len(nsqdTCPAddrs) == 0 {
		nsqdTCPAddrs = app.StringArray{"127.0.0.1:4150"}
	}

	var body []byte
	if len(flag.Args()) > 0 {
		body = []byte(strings.Join(flag.Args(), " "))
	} else {
		var err error
		body, err = ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("failed to read stdin - %s", err)
		}
	}

	cfg := nsq.NewConfig()
	cfg.UserAgent = fmt.Sprintf("nsq_pub/%s", nsq.VERSION)

	p, err := nsq.NewProducerPool(nsqdTCPAddrs, cfg)
	if err != nil {
		log.Fatalf(err.Error())
	}
	defer p.Stop()

	if err := p.Publish(*topic, body); err != nil {
		log.Fatalf("failed to publish - %s", err)
	}

	fmt.Printf("published to %s\n", *topic)
}
