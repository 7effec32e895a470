package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"autocart/internal/autocart"
)

var (
	catalogCategory string
	catalogBrand    string
)

func init() {
	catalogCmd.Flags().StringVar(&catalogCategory, "category", "", "only cars in this category")
	catalogCmd.Flags().StringVar(&catalogBrand, "brand", "", "only cars of this brand")
	rootCmd.AddCommand(catalogCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the bundled car catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := autocart.LoadCatalog()
		if err != nil {
			return err
		}
		cars := cat.All()
		switch {
		case catalogCategory != "":
			cars = cat.ByCategory(catalogCategory)
		case catalogBrand != "":
			cars = cat.ByBrand(catalogBrand)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCAR\tCATEGORY\tPRICE")
		for _, c := range cars {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.DisplayName(), c.Category, c.Price)
		}
		return tw.Flush()
	},
}
