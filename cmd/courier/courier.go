package main

import (
	"fmt"
	"log"
	"os"
	"time"

	courier "github.com/openhire/courier"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "courier",
		Usage: "a cli for enqueueing and inspecting notification deliveries on a courierd server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "base url of the courierd api",
				Value:   "http://localhost:8080",
				EnvVars: []string{"COURIER_HOST"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "api key",
				EnvVars: []string{"COURIER_API_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "enqueue an email, optionally for later delivery",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true, Usage: "sender email"},
					&cli.StringFlag{Name: "to", Required: true, Usage: "recipient email"},
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "text", Usage: "text content of the mail"},
					&cli.StringFlag{Name: "html", Usage: "html content of the mail"},
					&cli.DurationFlag{Name: "in", Usage: "delay before delivery, eg 30m"},
				},
				Action: send,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a pending delivery",
				ArgsUsage: "<id>",
				Action:    cancel,
			},
			{
				Name:      "resend",
				Usage:     "copy a settled delivery into a new one",
				ArgsUsage: "<id>",
				Action:    resend,
			},
			{
				Name:   "stats",
				Usage:  "print the queue status breakdown",
				Action: stats,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(c *cli.Context) *courier.Client {
	return courier.NewClient(c.String("key"), c.String("host"))
}

func send(c *cli.Context) error {
	email := &courier.Email{
		From:    courier.AddressOf(c.String("from")),
		To:      courier.AddressOf(c.String("to")),
		Subject: c.String("subject"),
		Text:    c.String("text"),
		HTML:    c.String("html"),
	}

	var receipt courier.Receipt
	var err error
	if delay := c.Duration("in"); delay > 0 {
		receipt, err = client(c).SendAt(c.Context, email, time.Now().Add(delay))
	} else {
		receipt, err = client(c).Send(c.Context, email)
	}
	if err != nil {
		return err
	}
	fmt.Println(receipt.Id)
	return nil
}

func cancel(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one id")
	}
	return client(c).Cancel(c.Context, c.Args().First())
}

func resend(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one id")
	}
	receipt, err := client(c).Resend(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(receipt.Id)
	return nil
}

func stats(c *cli.Context) error {
	s, err := client(c).Stats(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("pending   %d\n", s.Pending)
	fmt.Printf("queued    %d\n", s.Queued)
	fmt.Printf("sent      %d\n", s.Sent)
	fmt.Printf("failed    %d\n", s.Failed)
	fmt.Printf("cancelled %d\n", s.Cancelled)
	return nil
}
