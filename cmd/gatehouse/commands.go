package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/kuitang/gatehouse/internal/client"
)

// globalOptions are shared by every command that talks to the server.
type globalOptions struct {
	configPath string
	server     string
	jsonOutput bool
	out        io.Writer
}

func (o *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", defaultConfigPath(), "path to config.yaml")
	fs.StringVar(&o.server, "server", "", "gatehouse server URL (overrides config)")
	fs.BoolVar(&o.jsonOutput, "json", false, "print machine-readable JSON")
}

// session is what a command needs to run: a context cancelled on ^C, the
// loaded config and a client bound to the session file.
type session struct {
	ctx    context.Context
	cfg    *cliConfig
	client *client.Client
}

func (o *globalOptions) with(fn func(s *session) error) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.server != "" {
		cfg.Server = o.server
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c := client.New(cfg.Server, client.NewFileStore(cfg.SessionFile), cfg.EntitlementTTL)
	return fn(&session{ctx: ctx, cfg: cfg, client: c})
}

func (o *globalOptions) print(v any, text func(w io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.out)
	return nil
}

func rootCommand(out io.Writer) *Command {
	opts := &globalOptions{out: out}
	flags := func(extra func(fs *pflag.FlagSet)) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("gatehouse", pflag.ContinueOnError)
			opts.register(fs)
			if extra != nil {
				extra(fs)
			}
			return fs
		}
	}

	return &Command{
		Name:    "gatehouse",
		Summary: "Sign in to gatehouse from the terminal",
		Subcommands: []*Command{
			loginCommand(opts, flags),
			{
				Name:    "whoami",
				Summary: "Show the signed-in account and entitlement",
				Flags:   flags(nil),
				Run:     func([]string) error { return opts.with(opts.whoami) },
			},
			{
				Name:    "refresh",
				Summary: "Rotate the device's refresh token now",
				Flags:   flags(nil),
				Run:     func([]string) error { return opts.with(opts.refresh) },
			},
			{
				Name:    "logout",
				Summary: "Sign this device out",
				Flags:   flags(nil),
				Run: func([]string) error {
					return opts.with(func(s *session) error {
						if err := s.client.Logout(s.ctx); err != nil {
							return err
						}
						fmt.Fprintln(opts.out, "Signed out.")
						return nil
					})
				},
			},
			{
				Name:    "devices",
				Summary: "List or revoke paired devices",
				Subcommands: []*Command{
					{
						Name:    "list",
						Summary: "List devices paired with the account",
						Flags:   flags(nil),
						Run:     func([]string) error { return opts.with(opts.listDevices) },
					},
					{
						Name:    "revoke",
						Summary: "Revoke a device; its tokens stop working at once",
						Usage:   "gatehouse devices revoke <device-id> [flags]",
						Flags:   flags(nil),
						Run: func(args []string) error {
							if len(args) != 1 {
								return errors.New("usage: gatehouse devices revoke <device-id>")
							}
							return opts.with(func(s *session) error {
								if _, err := s.client.EnsureFresh(s.ctx); err != nil {
									return err
								}
								if err := s.client.RevokeDevice(s.ctx, args[0]); err != nil {
									return err
								}
								fmt.Fprintf(opts.out, "Revoked %s.\n", args[0])
								return nil
							})
						},
					},
				},
			},
		},
	}
}

func loginCommand(opts *globalOptions, flags func(func(*pflag.FlagSet)) func() *pflag.FlagSet) *Command {
	var deviceName string
	var interval time.Duration
	return &Command{
		Name:    "login",
		Summary: "Pair this device with your account in the browser",
		Flags: flags(func(fs *pflag.FlagSet) {
			fs.StringVar(&deviceName, "name", "", "device name shown in the account's device list")
			fs.DurationVar(&interval, "interval", 0, "poll interval (default: server suggestion)")
		}),
		Run: func([]string) error {
			return opts.with(func(s *session) error {
				fingerprint, err := deviceFingerprint(configDir())
				if err != nil {
					return err
				}
				name := deviceName
				if name == "" {
					name = s.cfg.DeviceName
				}
				sess, err := s.client.Pair(s.ctx, client.PairOptions{
					Fingerprint: fingerprint,
					DeviceName:  name,
					Interval:    interval,
					OnVerificationURL: func(u string) {
						fmt.Fprintf(os.Stderr, "Open this URL in a browser where you are signed in:\n\n  %s\n\nWaiting for approval...\n", u)
					},
				})
				if errors.Is(err, client.ErrPairingExpired) {
					return errors.New("the pairing link expired; run 'gatehouse login' again")
				}
				if err != nil {
					return err
				}
				return opts.print(summarize(sess), func(w io.Writer) {
					fmt.Fprintf(w, "Paired device %s.\n", sess.DeviceID)
				})
			})
		},
	}
}

// sessionOutput is a session without its secrets.
type sessionOutput struct {
	UserID           string    `json:"user_id"`
	DeviceID         string    `json:"device_id,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
}

func summarize(s *client.Session) sessionOutput {
	return sessionOutput{
		UserID:           s.UserID,
		DeviceID:         s.DeviceID,
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

type whoamiOutput struct {
	UserID          string              `json:"user_id"`
	Email           string              `json:"email"`
	DeviceID        string              `json:"device_id,omitempty"`
	Entitlement     *client.Entitlement `json:"entitlement"`
	PaymentRequired bool                `json:"payment_required"`
}

func (o *globalOptions) whoami(s *session) error {
	if _, err := s.client.EnsureFresh(s.ctx); err != nil {
		return notSignedIn(err)
	}
	me, err := s.client.Me(s.ctx)
	if err != nil {
		return notSignedIn(err)
	}
	current, err := s.client.Sessions().Get()
	if err != nil {
		return notSignedIn(err)
	}
	out := whoamiOutput{
		UserID:          me.User.ID,
		Email:           me.User.Email,
		DeviceID:        current.DeviceID,
		Entitlement:     me.Entitlement,
		PaymentRequired: me.PaymentRequired,
	}
	return o.print(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%s)\n", out.Email, out.UserID)
		if out.DeviceID != "" {
			fmt.Fprintf(w, "device:  %s\n", out.DeviceID)
		}
		if out.Entitlement != nil {
			fmt.Fprintf(w, "payment: %s\n", out.Entitlement.PaymentStatus)
		}
		if out.PaymentRequired {
			fmt.Fprintln(w, "A subscription is required for protected features.")
		}
	})
}

func (o *globalOptions) refresh(s *session) error {
	sess, err := s.client.Refresh(s.ctx)
	if err != nil {
		return notSignedIn(err)
	}
	return o.print(summarize(sess), func(w io.Writer) {
		fmt.Fprintf(w, "Access token valid until %s.\n", sess.ExpiresAt.Local().Format(time.RFC1123))
	})
}

func (o *globalOptions) listDevices(s *session) error {
	if _, err := s.client.EnsureFresh(s.ctx); err != nil {
		return notSignedIn(err)
	}
	devices, err := s.client.ListDevices(s.ctx)
	if err != nil {
		return notSignedIn(err)
	}
	return o.print(devices, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tLAST USED\tSTATUS")
		for _, d := range devices {
			lastUsed := "never"
			if d.LastUsedAt != nil {
				lastUsed = d.LastUsedAt.Local().Format(time.DateTime)
			}
			status := "active"
			if d.RevokedAt != nil {
				status = "revoked"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Name, lastUsed, status)
		}
		tw.Flush()
	})
}

// notSignedIn turns a missing or rejected session into an actionable error.
func notSignedIn(err error) error {
	if errors.Is(err, client.ErrNoSession) || client.StatusOf(err) == http.StatusUnauthorized ||
		client.StatusOf(err) == http.StatusConflict {
		return errors.New("not signed in; run 'gatehouse login'")
	}
	return err
}
