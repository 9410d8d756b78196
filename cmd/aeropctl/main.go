package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/config"
	natsclient "github.com/devghori1264/aerophoenix/controlplane/internal/nats"
	"github.com/devghori1264/aerophoenix/controlplane/internal/orchestrator"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
	"github.com/devghori1264/aerophoenix/controlplane/internal/server"
	"github.com/devghori1264/aerophoenix/controlplane/internal/telemetry"
)

var (
	grpcAddr  string
	httpBase  string
	natsURL   string
	identity  server.Identity
	timeout   time.Duration
	verbose   bool
	logger    = zap.NewNop()
	requestOf = server.NewActions(nil) // consulted for request types only
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	root := &cobra.Command{
		Use:           "aeropctl",
		Short:         "Command line client of the AeroPhoenix cloud controller",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			l, err := telemetry.NewLogger(level, true)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) { _ = cmd.Help() },
	}
	flags := root.PersistentFlags()
	flags.StringVar(&grpcAddr, "addr", envOr("AEROP_ADDR", "localhost:50051"), "controller gRPC address")
	flags.StringVar(&httpBase, "http", envOr("AEROP_HTTP", "http://localhost:8080"), "controller HTTP base URL")
	flags.StringVar(&natsURL, "nats", envOr("AEROP_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	flags.StringVarP(&identity.UserID, "user", "u", os.Getenv("AEROP_USER"), "user id")
	flags.StringVarP(&identity.ProjectID, "project", "p", os.Getenv("AEROP_PROJECT"), "project id")
	flags.StringVar(&identity.Secret, "secret", os.Getenv("AEROP_SECRET"), "user secret")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		pingCmd(),
		actionsCmd(),
		callCmd(),
		runInstancesCmd(),
		idsCmd("terminate", "TerminateInstances", "Terminate instances", "instance_ids"),
		idsCmd("reboot", "RebootInstances", "Reboot instances", "instance_ids"),
		simpleCmd("instances", "DescribeInstances", "List reservations and their instances"),
		createVolumeCmd(),
		attachVolumeCmd(),
		idsCmd("volumes", "DescribeVolumes", "List volumes", "volume_ids"),
		simpleCmd("allocate-address", "AllocateAddress", "Allocate an elastic IP"),
		idsCmd("addresses", "DescribeAddresses", "List elastic IPs", "public_ips"),
		keyPairCmd(),
		idsCmd("keypairs", "DescribeKeyPairs", "List key pairs", "key_names"),
		idsCmd("images", "DescribeImages", "List images", "image_ids"),
		simpleCmd("zones", "DescribeAvailabilityZones", "List availability zones"),
		nodesCmd(),
		registerUserCmd(),
		membersCmd(),
		reportStateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// invoke runs one action and prints its JSON result.
func invoke(cmd *cobra.Command, action string, req any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := server.Dial(grpcAddr, identity)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Debug("invoking action", zap.String("action", action), zap.String("addr", grpcAddr))
	var out any
	if err := c.Invoke(ctx, action, req, &out); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the HTTP API answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Get(strings.TrimSuffix(httpBase, "/") + "/ping")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
}

func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions call accepts",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range requestOf.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "call ACTION [JSON]",
		Short:   "Invoke any action with a JSON request",
		Example: `  aeropctl call RunInstances '{"image_id":"ami-1","max_count":2}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ok := requestOf[args[0]]
			if !ok {
				return fmt.Errorf("unknown action %s", args[0])
			}
			req := a.NewRequest()
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), req); err != nil {
					return fmt.Errorf("parsing request: %w", err)
				}
			}
			return invoke(cmd, a.Name, req)
		},
	}
}

func simpleCmd(use, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(cmd, action, server.Empty{})
		},
	}
}

// idsCmd builds a command whose arguments fill a single list field.
func idsCmd(use, action, short, field string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [ID...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := requestOf[action].NewRequest()
			data, err := json.Marshal(map[string][]string{field: args})
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, req); err != nil {
				return err
			}
			return invoke(cmd, action, req)
		},
	}
}

func runInstancesCmd() *cobra.Command {
	var (
		req          orchestrator.RunRequest
		userDataFile string
	)
	cmd := &cobra.Command{
		Use:   "run IMAGE",
		Short: "Launch instances of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ImageID = args[0]
			if userDataFile != "" {
				data, err := os.ReadFile(userDataFile)
				if err != nil {
					return err
				}
				req.UserData = base64.StdEncoding.EncodeToString(data)
			}
			return invoke(cmd, "RunInstances", &req)
		},
	}
	cmd.Flags().IntVarP(&req.MaxCount, "count", "n", 1, "number of instances")
	cmd.Flags().StringVarP(&req.KeyName, "key", "k", "", "key pair name")
	cmd.Flags().StringVarP(&req.InstanceType, "type", "t", "", "instance type")
	cmd.Flags().StringVar(&req.KernelID, "kernel", "", "kernel image id")
	cmd.Flags().StringVar(&req.RamdiskID, "ramdisk", "", "ramdisk image id")
	cmd.Flags().StringVar(&userDataFile, "user-data-file", "", "file passed to the guests as user data")
	return cmd
}

func createVolumeCmd() *cobra.Command {
	var req server.CreateVolumeRequest
	cmd := &cobra.Command{
		Use:   "create-volume",
		Short: "Create a volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(cmd, "CreateVolume", &req)
		},
	}
	cmd.Flags().IntVarP(&req.Size, "size", "s", 1, "size in GB")
	return cmd
}

func attachVolumeCmd() *cobra.Command {
	var (
		req    server.AttachVolumeRequest
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "attach-volume VOLUME [INSTANCE]",
		Short: "Attach a volume to an instance, or detach it with --detach",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if detach {
				return invoke(cmd, "DetachVolume", &server.VolumeRequest{VolumeID: args[0]})
			}
			if len(args) != 2 {
				return fmt.Errorf("attach needs a volume and an instance")
			}
			req.VolumeID, req.InstanceID = args[0], args[1]
			return invoke(cmd, "AttachVolume", &req)
		},
	}
	cmd.Flags().StringVarP(&req.Device, "device", "d", "/dev/vdb", "device name inside the guest")
	cmd.Flags().BoolVar(&detach, "detach", false, "detach instead of attach")
	return cmd
}

func keyPairCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "keypair NAME",
		Short: "Create a key pair and print its private key, or delete it with --delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove {
				return invoke(cmd, "DeleteKeyPair", &server.KeyPairRequest{KeyName: args[0]})
			}
			return invoke(cmd, "CreateKeyPair", &server.KeyPairRequest{KeyName: args[0]})
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the key pair")
	return cmd
}

func nodesCmd() *cobra.Command {
	var req server.NodesRequest
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Show what worker nodes last reported (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(cmd, "DescribeNodes", &req)
		},
	}
	cmd.Flags().StringVar(&req.Topic, "topic", orchestrator.TopicVolumes, "report topic")
	return cmd
}

func registerUserCmd() *cobra.Command {
	var req server.RegisterUserRequest
	cmd := &cobra.Command{
		Use:   "register-user ID",
		Short: "Create a user and optionally add it to a project (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.UserID = args[0]
			return invoke(cmd, "RegisterUser", &req)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Secret, "user-secret", "", "secret of the new user")
	cmd.Flags().StringVar(&req.ProjectID, "member-of", "", "project to add the user to")
	cmd.Flags().BoolVar(&req.Admin, "admin", false, "make the user an administrator")
	return cmd
}

// reportStateCmd publishes a node report on the controller topic the
// way a worker node does.
func reportStateCmd() *cobra.Command {
	var topic, node, items, controller string
	cmd := &cobra.Command{
		Use:     "report-state",
		Short:   "Publish a node state report over the bus",
		Example: `  aeropctl report-state --topic volumes --node vol-1 --items '{"vol-00000001":{"status":"available"}}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(items), &parsed); err != nil {
				return fmt.Errorf("parsing items: %w", err)
			}
			gw, err := natsclient.Connect(natsclient.Options{URL: natsURL, Name: "aeropctl", Logger: logger})
			if err != nil {
				return err
			}
			defer gw.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			msg := rpc.NewMessage("update_state", map[string]any{"topic": topic, "node": node, "items": parsed})
			if err := gw.Send(ctx, controller, msg); err != nil {
				return err
			}
			if err := gw.Flush(); err != nil {
				return err
			}
			logger.Info("report published", zap.String("topic", topic), zap.String("node", node), zap.Int("items", len(parsed)))
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", orchestrator.TopicVolumes, "report topic")
	cmd.Flags().StringVar(&node, "node", "", "reporting node name")
	cmd.Flags().StringVar(&items, "items", "{}", "JSON object of item id to item")
	cmd.Flags().StringVar(&controller, "controller-topic", config.DefaultCloud().ControllerTopic, "bus topic the controller serves")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func membersCmd() *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "members [PROJECT]",
		Short: "List the users of a project, or remove one with --remove (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := identity.ProjectID
			if len(args) == 1 {
				project = args[0]
			}
			if remove != "" {
				return invoke(cmd, "RemoveProjectMember", &server.ProjectMemberRequest{ProjectID: project, UserID: remove})
			}
			return invoke(cmd, "DescribeProjectMembers", &server.ProjectRequest{ProjectID: project})
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "user id to remove from the project")
	return cmd
}
