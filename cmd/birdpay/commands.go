package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/birdhouse-social/birdpay/pkg/backend/backendtest"
	"github.com/birdhouse-social/birdpay/pkg/receivers"
	"github.com/birdhouse-social/birdpay/pkg/webapi"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tjstebbing/conductor"
)

/*
	The remote commands are convenience CLI tools that operate on a
	running birdpay by calling its web API. 'pay' runs a checkout
	in-process against the backend.
*/

type SubCommandArgs struct {
	RemoteServer string
}

func payCommand(config *pay.Config) *cobra.Command {
	var amount, currency, network, purpose, plan, qrFile string
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Create a payment and follow it until it settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			fiat, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %v", amount, err)
			}
			return Checkout(*config, pay.CreatePaymentRequest{
				AmountFiat: fiat,
				Currency:   currency,
				Network:    network,
				Purpose:    purpose,
				Plan:       plan,
			}, qrFile)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in USD")
	cmd.Flags().StringVar(&currency, "currency", "", "Currency, eg. USDC")
	cmd.Flags().StringVar(&network, "network", "", "Network, eg. solana")
	cmd.Flags().StringVar(&purpose, "purpose", "donation", "subscription, donation or tip")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan, for subscriptions")
	cmd.Flags().StringVar(&qrFile, "qr", "", "Write the payment QR code to this PNG file")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("currency")
	cmd.MarkFlagRequired("network")
	return cmd
}

// Checkout creates one payment and prints every reconciled transition
// until the payment closes or the user interrupts.
func Checkout(conf pay.Config, req pay.CreatePaymentRequest, qrFile string) error {
	c := conductor.NewConductor()
	bus := pay.NewMessageBus()
	c.Service("MessageBus", bus)
	receivers.SetUpReceivers(c, bus, conf)
	c.Start()
	defer c.Stop()

	api := NewPaymentAPI(conf, bus, nil)
	defer api.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	done := make(chan pay.Transition, 1)
	checkout := api.NewCheckout()
	res, err := checkout.Begin(ctx, req, func(tr pay.Transition) {
		fmt.Printf("%s -> %s (%d/%d confirmations) via %s\n",
			tr.From, tr.To, tr.Confirmations, tr.Payment.RequiredConfirmations, tr.Source)
		if api.Closed(tr.To) || tr.To.IsSuccess() {
			select {
			case done <- tr:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer checkout.Reset()

	p := res.PaymentRequest
	fmt.Println(res.Message)
	fmt.Printf("Payment %s: send %s %s on %s to %s (expires %s)\n",
		p.ID, p.AmountCrypto, p.Currency, p.Network, p.Address, p.ExpiresAt.Local().Format("15:04:05"))
	if qrFile != "" {
		png, err := webapi.GenerateQRCodePNG(p.PaymentURI, 512, "", "")
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrFile, png, 0o644); err != nil {
			return err
		}
		fmt.Println("QR code written to", qrFile)
	}

	select {
	case tr := <-done:
		if tr.To.IsFailure() {
			return fmt.Errorf("payment %s %s", p.ID, tr.To)
		}
		fmt.Printf("Payment %s %s\n", p.ID, tr.To)
		return nil
	case <-ctx.Done():
		fmt.Println("Interrupted, abandoning payment", p.ID)
		return nil
	}
}

func remoteCommands(config *pay.Config, s *SubCommandArgs) []*cobra.Command {
	status := &cobra.Command{
		Use:   "status <paymentID>",
		Short: "Show a payment on a running birdpay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(*config, *s, http.MethodGet, "/payment/"+url.PathEscape(args[0]), nil)
		},
	}
	check := &cobra.Command{
		Use:   "check <paymentID>",
		Short: "Ask the backend to verify a payment on-chain now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(*config, *s, http.MethodPost, "/payment/"+url.PathEscape(args[0])+"/check", nil)
		},
	}
	verify := &cobra.Command{
		Use:   "verify <paymentID> <transactionHash>",
		Short: "Verify a payment by its transaction hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := webapi.VerifyRequest{TransactionHash: args[1]}
			return callAPI(*config, *s, http.MethodPost, "/payment/"+url.PathEscape(args[0])+"/verify", body)
		},
	}
	history := &cobra.Command{
		Use:   "history <paymentID>",
		Short: "Print the transition journal for a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(*config, *s, http.MethodGet, "/payment/"+url.PathEscape(args[0])+"/history", nil)
		},
	}
	rate := &cobra.Command{
		Use:   "rate <currency>",
		Short: "Show the display-only USD rate for a currency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(*config, *s, http.MethodGet, "/rate/"+url.PathEscape(args[0]), nil)
		},
	}
	return []*cobra.Command{status, check, verify, history, rate}
}

func fakeBackendCommand() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:    "fakebackend",
		Short:  "Serve an in-memory payment backend for local development",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := backendtest.New(nil)
			fmt.Println("Fake payment backend listening on", bind)
			return http.ListenAndServe(bind, srv.Router)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "localhost:8080", "Listen address")
	return cmd
}

// work out the web API URL from args or config and return
// a complete path with our best guess
func apiURL(c pay.Config, s SubCommandArgs, path string) (string, error) {
	base := ""
	if s.RemoteServer != "" {
		base = s.RemoteServer
	} else {
		host := c.WebAPI.Bind
		if host == "" {
			host = "localhost"
		}
		base = fmt.Sprintf("http://%s:%s/", host, c.WebAPI.Port)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	p, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}

	return u.ResolveReference(p).String(), nil
}

// call a running birdpay web API and print the JSON it returns
func callAPI(c pay.Config, s SubCommandArgs, method, path string, body any) error {
	target, err := apiURL(c, s, path)
	if err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request body: %v", err)
		}
		payload = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, target, payload)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Println(string(out))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response status code: %d", resp.StatusCode)
	}
	return nil
}
