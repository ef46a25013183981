// cmd/kueue-restart-workers/main.go
package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/hochfrequenz/kueue/internal/config"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kueue-restart-workers",
		Short: "Periodically SSHes into configured worker hosts and restarts kueue-worker if it is not running",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default "+config.DefaultConfigPath()+")")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.RestartWorkers == nil {
		return fmt.Errorf("[restart_workers] section missing from %s", cfgPath)
	}
	rw := cfg.RestartWorkers

	workers := strings.Fields(rw.Hostnames)
	if len(workers) == 0 {
		return fmt.Errorf("restart_workers.hostnames is empty")
	}
	sleepDuration := time.Duration(rw.SleepMinutesBeforeRecheck * float64(time.Minute))

	authMethod, err := agentAuth()
	if err != nil {
		return fmt.Errorf("connecting to ssh-agent: %w", err)
	}

	for {
		for _, worker := range workers {
			if err := processWorker(worker, rw.SSHUser, authMethod); err != nil {
				log.Printf("restart-workers: failed processing worker %s: %v", worker, err)
			}
		}
		time.Sleep(sleepDuration)
	}
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set; run ssh-agent and ssh-add your key first")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent socket: %w", err)
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

// processWorker checks whether kueue_worker is running under screen on the
// given host, and restarts it in a detached screen session if not.
func processWorker(host, sshUser string, auth ssh.AuthMethod) error {
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), &ssh.ClientConfig{
		User:            sshUser,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("ssh dial: %w", err)
	}
	defer client.Close()

	screenLS, err := runRemote(client, "screen -ls")
	if err != nil {
		return fmt.Errorf("screen -ls: %w", err)
	}

	if strings.Contains(screenLS, "kueue_worker") {
		log.Printf("restart-workers: worker %s appears to be running.", host)
		return nil
	}

	log.Printf("restart-workers: worker %s appears to be down! Restarting...", host)
	output, err := runRemote(client, "screen -dmS kueue_worker bash -c kueue_worker")
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	log.Printf("restart-workers: output after restarting %s: %s", host, output)
	return nil
}

func runRemote(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(cmd); err != nil {
		// screen -ls exits non-zero when no sessions are attached; that is
		// not a failure we care about here, the caller only inspects output.
		if _, ok := err.(*ssh.ExitError); !ok {
			return "", err
		}
	}
	return out.String(), nil
}
