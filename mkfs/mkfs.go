// Command mkfs builds a bootable disk image: it formats a fresh file
// system and copies a skeleton directory of host files into it.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"

	"xk/ukern"
	"xk/ustr"
)

// Constants describing the layout of the created filesystem.
const (
	ninodeblks = 50
	ndatablks  = 4000
	nswappages = 64
)

// readskel loads every regular file under skeldir concurrently and
// returns them keyed by their image path.
func readskel(skeldir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	var paths []string
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != skeldir {
				log.Printf("skipping directory %v: the fs has a flat root", path)
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	bodies := make([][]byte, len(paths))
	for i, path := range paths {
		g.Go(func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			bodies[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, path := range paths {
		rel := strings.TrimPrefix(path, skeldir)
		rel = "/" + strings.Trim(rel, "/")
		files[rel] = bodies[i]
	}
	return files, nil
}

// addfiles replicates the skeleton files into the booted image.
func addfiles(k *ukern.Ukern_t, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if e := k.MkFile(ustr.Ustr(name), files[name]); e != 0 {
			return fmt.Errorf("cannot add %v: err %v", name, e)
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Printf("Usage: mkfs <output image> <skel dir>\n")
		os.Exit(1)
	}
	image := os.Args[1]
	skeldir := os.Args[2]

	files, err := readskel(skeldir)
	if err != nil {
		log.Fatal(err)
	}

	// build in a scratch file, publish atomically
	tmp, err := os.CreateTemp(filepath.Dir(image), "mkfs-*")
	if err != nil {
		log.Fatal(err)
	}
	tmppath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmppath)

	if err := ukern.MkDisk(tmppath, ninodeblks, ndatablks, nswappages); err != nil {
		log.Fatal(err)
	}
	k, err := ukern.BootFS(tmppath, ukern.Bootopts_t{})
	if err != nil {
		log.Fatal(err)
	}
	if _, e := k.Stat(ustr.MkUstrRoot()); e != 0 {
		log.Fatal("not a valid fs: no root inode")
	}
	if err := addfiles(k, files); err != nil {
		k.Shutdown()
		log.Fatal(err)
	}
	k.Shutdown()

	final, err := os.ReadFile(tmppath)
	if err != nil {
		log.Fatal(err)
	}
	if err := renameio.WriteFile(image, final, 0644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %v (%v files, %v bytes)", image, len(files), len(final))
}
