package status

import (
	"fmt"
	"os"

	"go.tesserae.dev/trellis/registry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the persisted view of a node's data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data",
				Usage: "data directory",
				Value: "data",
			},
		},
		Action: printStatus,
	}
}

func printStatus(ctx *cli.Context) error {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)

	store, err := registry.NewStore(logger.With(zap.String("component", "registry")), ctx.String("data"))
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := store.LoadView()
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("no persisted view")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("View %d", v.VID))
	t.AppendHeader(table.Row{"Rank", "Node", "Address", "Failed"})
	for rank, id := range v.Members {
		t.AppendRow(table.Row{rank, id, v.MemberIPs[rank], v.Failed[rank]})
	}
	t.Render()

	if len(v.SubgroupShardViews) > 0 {
		st := table.NewWriter()
		st.SetOutputMirror(os.Stdout)
		st.SetTitle("Subgroups")
		st.AppendHeader(table.Row{"Subgroup", "Shard", "Mode", "Members"})
		for sg, shards := range v.SubgroupShardViews {
			for shard, sv := range shards {
				st.AppendRow(table.Row{sg, shard, sv.Mode.String(), fmt.Sprintf("%v", sv.Members)})
			}
		}
		st.Render()
	}
	return nil
}
