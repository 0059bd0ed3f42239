package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sqlinx/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "Sqlinx"
const serviceDisplayName = "Sqlinx SQL Workbench"
const serviceDescription = "Sqlinx - browser workbench for exploring SQLite, PostgreSQL, MySQL and SQL Server databases"

// workbenchService implements the svc.Handler interface
type workbenchService struct{}

// Execute is called by the Windows Service Control Manager
func (s *workbenchService) Execute(args []string, changeReq <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	status <- svc.Status{State: svc.StartPending}

	// Services start in System32; config and .env live next to the executable.
	if exePath, err := os.Executable(); err == nil {
		_ = os.Chdir(filepath.Dir(exePath))
	}

	cfg, err := config.Load("", nil)
	if err != nil {
		return false, 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg)
	}()

	status <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for {
		select {
		case err := <-done:
			cancel()
			if err != nil {
				return false, 1
			}
			return false, 0
		case c := <-changeReq:
			switch c.Cmd {
			case svc.Interrogate:
				status <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(shutdownTimeout + time.Second):
				}
				return false, 0
			}
		}
	}
}

// isRunningAsService checks if the process is running as a Windows Service
func isRunningAsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// runAsService starts the application as a Windows Service
func runAsService() {
	if err := svc.Run(serviceName, &workbenchService{}); err != nil {
		fmt.Printf("Failed to run as service: %v\n", err)
		os.Exit(1)
	}
}

func serviceCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "install",
			Short: "Register sqlinx as a Windows service",
			RunE:  func(cmd *cobra.Command, _ []string) error { return installService(cmd) },
		},
		{
			Use:   "uninstall",
			Short: "Remove the sqlinx Windows service",
			RunE:  func(cmd *cobra.Command, _ []string) error { return uninstallService(cmd) },
		},
		{
			Use:   "start",
			Short: "Start the sqlinx Windows service",
			RunE:  func(cmd *cobra.Command, _ []string) error { return startService(cmd) },
		},
		{
			Use:   "stop",
			Short: "Stop the sqlinx Windows service",
			RunE:  func(cmd *cobra.Command, _ []string) error { return stopService(cmd) },
		},
	}
}

func connectManager() (*mgr.Mgr, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager (run as Administrator): %w", err)
	}
	return m, nil
}

// installService registers the executable as an automatically started service
func installService(cmd *cobra.Command) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	if s, err := m.OpenService(serviceName); err == nil {
		s.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' is already installed.\n", serviceName)
		return nil
	}

	s, err := m.CreateService(serviceName, exePath, mgr.Config{
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		StartType:   mgr.StartAutomatic,
	})
	if err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}
	defer s.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' installed successfully.\n", serviceName)
	fmt.Fprintln(cmd.OutOrStdout(), "Start with: sqlinx start")
	return nil
}

func uninstallService(cmd *cobra.Command) error {
	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' is not installed.\n", serviceName)
		return nil
	}
	defer s.Close()

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' uninstalled successfully.\n", serviceName)
	return nil
}

func startService(cmd *cobra.Command) error {
	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service '%s' is not installed, run 'sqlinx install' first", serviceName)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' started.\n", serviceName)
	return nil
}

func stopService(cmd *cobra.Command) error {
	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service '%s' is not installed", serviceName)
	}
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service '%s' stopped.\n", serviceName)
	return nil
}
