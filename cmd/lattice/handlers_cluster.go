package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/cluster"
)

func runClusterInfo(cmd *cobra.Command, flags clientFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := flags.client(cfg)
	ctx := cmd.Context()

	var status cluster.Status
	if err := client.getJSON(ctx, "/v1/cluster/status", &status); err != nil {
		return err
	}
	var roster struct {
		Nodes []cluster.Node `json:"nodes"`
		Total int            `json:"total"`
	}
	if err := client.getJSON(ctx, "/v1/cluster/nodes", &roster); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cluster: %d/%d nodes available, %.1f/%.1f GB free, %.1f TFLOPS\n",
		status.AvailableNodes, status.TotalNodes,
		status.AvailableMemoryGB, status.TotalMemoryGB, status.TotalTFLOPS)
	if status.CurrentModel != "" {
		fmt.Fprintf(out, "Model: %s @%s (%d layers)\n",
			status.CurrentModel, status.Quantization, status.TotalLayers)
	}
	fmt.Fprintf(out, "\nNodes (%d):\n", roster.Total)
	for _, node := range roster.Nodes {
		line := fmt.Sprintf("  - %s %s:%d %s %.1f GB free",
			node.Name, node.Host, node.Port, node.Status, node.Capabilities.AvailableMemoryGB)
		if node.ID == status.LocalNodeID {
			line += " (local)"
		}
		if len(node.AssignedLayers) > 0 {
			line += fmt.Sprintf(" layers=%d", len(node.AssignedLayers))
		}
		if node.TokensPerSec > 0 {
			line += fmt.Sprintf(" %.1f tok/s", node.TokensPerSec)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runClusterCheck(cmd *cobra.Command, model, quantization string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	caps := cluster.Detect(cmd.Context())
	local := cluster.NewLocalNode(cfg.Cluster.NodeName, cfg.API.Host, cfg.API.Port, caps)
	req := cluster.New(local, slog.Default()).RequirementsFor(model, quantization)

	out := cmd.OutOrStdout()
	hw := string(caps.DeviceType)
	if caps.ChipName != "" {
		hw += " (" + caps.ChipName + ")"
	}
	fmt.Fprintf(out, "Hardware: %s, %d CPU cores", hw, caps.CPUCores)
	if caps.GPUCores > 0 {
		fmt.Fprintf(out, ", %d GPU cores", caps.GPUCores)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Memory: %.1f GB available of %.1f GB\n",
		caps.AvailableMemoryGB, caps.TotalMemoryGB)

	fmt.Fprintf(out, "\n%s footprint (%s class, %d layers):\n", req.Model, req.SizeClass, req.Layers)
	for _, q := range []string{cluster.Quant4Bit, cluster.Quant8Bit, cluster.QuantFP16} {
		if gb, ok := req.MemoryGB[q]; ok {
			fmt.Fprintf(out, "  %s: %.1f GB\n", q, gb)
		}
	}
	fmt.Fprintln(out)
	if req.CanRun {
		fmt.Fprintf(out, "%s @%s fits on this machine.\n",
			req.Model, cluster.NormalizeQuant(quantization))
	} else {
		fmt.Fprintf(out, "%s does not fit: %s\n", req.Model, req.Reason)
	}
	return nil
}
