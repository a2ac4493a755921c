package launch

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/gaborcsardi/mirai/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// How daemons get started.
type PlanKind int

const (
	// The operator runs the emitted commands themselves.
	Manual PlanKind = iota

	// Run the command over ssh; the remote opens an outbound
	// connection to the host's externally reachable URL.
	SshDirect

	// Forward the daemon port over an ssh tunnel. The daemon URL
	// must point at localhost.
	SshTunnel

	// Run each command through a user-supplied function.
	Custom
)

// A launch plan: where and how to start the daemons of a profile.
type Plan struct {
	Kind PlanKind

	// Remote host for the ssh plans, user@host accepted.
	Host string

	// Extra ssh options.
	SshOptions []string

	// Runner for Custom plans.
	Run func(ctx context.Context, command string) error
}

// Name of the daemon binary in the emitted commands.
const daemonBinary = "miraid"

// Command returns the shell command starting one daemon dialing the
// given URL. TLS material embeds the certificate PEM inline; the
// private key is not part of the command.
func Command(url string, material *tlsutil.Material) string {
	cmd := fmt.Sprintf("%s --dial %s", daemonBinary, url)

	if material != nil {
		pem := material.DaemonCredentials()[0]
		cmd += fmt.Sprintf(" --tls '%s'", strings.TrimSpace(pem))
	}

	return cmd
}

// Commands returns one launch command per daemon slot.
func Commands(urls []string, material *tlsutil.Material) []string {
	commands := make([]string, len(urls))
	for i, url := range urls {
		commands[i] = Command(url, material)
	}
	return commands
}

// Execute runs the plan for every slot concurrently and waits for
// the launch commands to be issued. Manual plans only print the
// commands.
func Execute(ctx context.Context, plan *Plan, urls []string, material *tlsutil.Material) error {
	commands := Commands(urls, material)

	if plan.Kind == Manual {
		for _, cmd := range commands {
			log.Info("Run on the daemon host:", cmd)
		}
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)

	for i := range commands {
		command := commands[i]
		url := urls[i]

		group.Go(func() error {
			switch plan.Kind {
			case SshDirect:
				args := append([]string{"ssh"}, plan.SshOptions...)
				args = append(args, plan.Host, command)
				return utils.RunWait(args...)

			case SshTunnel:
				tunnel, err := tunnelArgs(url)
				if err != nil {
					return err
				}
				args := append([]string{"ssh"}, plan.SshOptions...)
				args = append(args, tunnel...)
				args = append(args, plan.Host, command)
				return utils.RunWait(args...)

			case Custom:
				if plan.Run == nil {
					return utils.ErrBadRequest
				}
				return plan.Run(ctx, command)

			default:
				return utils.ErrBadRequest
			}
		})
	}

	return group.Wait()
}

// tunnelArgs builds the ssh port forward for a tunneled daemon. The
// same port is forwarded on both sides, so the URL must already point
// at localhost.
func tunnelArgs(url string) ([]string, error) {
	uri, err := transport.Parse(url)
	if err != nil {
		return nil, err
	}

	switch uri.Host {
	case "localhost", "127.0.0.1", "::1":
	default:
		return nil, fmt.Errorf("%w: tunneled URL must use localhost, got %q", utils.ErrBadURL, uri.Host)
	}

	if uri.Port == 0 {
		return nil, fmt.Errorf("%w: tunneled URL needs an explicit port", utils.ErrBadURL)
	}

	forward := fmt.Sprintf("%d:localhost:%d", uri.Port, uri.Port)
	return []string{"-R", forward}, nil
}
