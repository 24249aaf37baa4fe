package cmd

import (
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
)

func printBanner(w io.Writer) {
	fig := figure.NewFigure("nodedash", "small", true)
	color.New(color.FgYellow).Fprint(w, fig.String())
	color.New(color.FgGreen).Fprintf(w, "  BitcoinII Node Dashboard - Version %s\n\n", Version)
}
