// probe logs in to an owftpd server and prints its tree as a table.
//
//	go run ./probe -addr 127.0.0.1:2121 -dir / -depth 2
//	go run ./probe -addr 127.0.0.1:2121 -get /10.67C6697351FF/temperature
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/jlaffaye/ftp"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// lister is the part of *ftp.ServerConn the walk needs.
type lister interface {
	List(path string) ([]*ftp.Entry, error)
}

// row is one line of the rendered tree.
type row struct {
	Path     string
	IsDir    bool
	Size     uint64
	Modified time.Time
	Err      error
}

// walk lists dir and, while depth allows, every directory below it.
// A directory that cannot be listed becomes a row carrying the error.
func walk(c lister, dir string, depth int) []row {
	entries, err := c.List(dir)
	if err != nil {
		return []row{{Path: dir, IsDir: true, Err: err}}
	}
	var rows []row
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		p := path.Join(dir, e.Name)
		isDir := e.Type == ftp.EntryTypeFolder
		rows = append(rows, row{Path: p, IsDir: isDir, Size: e.Size, Modified: e.Time})
		if isDir && depth > 1 {
			rows = append(rows, walk(c, p, depth-1)...)
		}
	}
	return rows
}

func render(w io.Writer, rows []row) error {
	dirColor := color.New(color.FgBlue, color.Bold)
	errColor := color.New(color.FgRed)

	table := tablewriter.NewWriter(w)
	table.Header("Path", "Type", "Size", "Modified")
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	for _, r := range rows {
		switch {
		case r.Err != nil:
			if err := table.Append([]string{errColor.Sprint(r.Path), "error", "-", errColor.Sprint(r.Err.Error())}); err != nil {
				return err
			}
		case r.IsDir:
			if err := table.Append([]string{dirColor.Sprint(r.Path + "/"), "dir", "-", r.Modified.Format("Jan 02 15:04")}); err != nil {
				return err
			}
		default:
			if err := table.Append([]string{r.Path, "file", strconv.FormatUint(r.Size, 10), r.Modified.Format("Jan 02 15:04")}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func run(args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("probe", flag.ContinueOnError)
	addr := fset.String("addr", "127.0.0.1:21", "server address")
	user := fset.String("user", "anonymous", "user name")
	pass := fset.String("pass", "probe@localhost", "password")
	dir := fset.String("dir", "/", "directory to list")
	depth := fset.Int("depth", 1, "how many directory levels to descend")
	get := fset.String("get", "", "retrieve this item and print it instead of listing")
	noEPSV := fset.Bool("no-epsv", false, "use PASV instead of EPSV")
	timeout := fset.Duration("timeout", 10*time.Second, "dial timeout")
	if err := fset.Parse(args); err != nil {
		return err
	}

	c, err := ftp.Dial(*addr, ftp.DialWithTimeout(*timeout), ftp.DialWithDisabledEPSV(*noEPSV))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", *addr, err)
	}
	defer c.Quit()
	if err := c.Login(*user, *pass); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	if *get != "" {
		r, err := c.Retr(*get)
		if err != nil {
			return fmt.Errorf("failed to retrieve %s: %w", *get, err)
		}
		defer r.Close()
		_, err = io.Copy(stdout, r)
		return err
	}
	return render(stdout, walk(c, *dir, *depth))
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
