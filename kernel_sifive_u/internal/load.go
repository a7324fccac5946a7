// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

package board

import (
	"io/fs"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
)

// ImageExt is the application image file extension.
const ImageExt = ".tbf"

// Images returns the application images found in fsys, in name order.
func Images(fsys fs.FS) (images [][]byte, err error) {
	entries, err := fs.ReadDir(fsys, ".")

	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ImageExt {
			continue
		}

		buf, err := fs.ReadFile(fsys, e.Name())

		if err != nil {
			return nil, err
		}

		images = append(images, buf)
	}

	return
}

// Load copies images to program flash and loads the processes they hold.
func Load(k *kernel.Kernel, images [][]byte, log logrus.FieldLogger) (err error) {
	addrs, err := mem.Flash(k.Memory(), k.MemoryMap().Program, images)

	if err != nil {
		return
	}

	log.Debugf("flashed %d images at %#x", len(images), addrs)

	results, err := k.LoadProcesses()

	if err != nil {
		return
	}

	for _, res := range results {
		if res.Err != nil {
			log.Warnf("image at %#x rejected, %v", res.Addr, res.Err)
			continue
		}

		log.Infof("loaded %s at %#x as %s", res.Name, res.Addr, res.ID)
	}

	return
}
