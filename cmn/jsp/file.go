// Package jsp (JSON persistence) saves and loads small JSON-encoded
// structures -- the failover history ring -- with
// a temp-then-rename write discipline so a reader never observes a partial
// file.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/imgcrawld/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Save encodes v as JSON into a temp file beside filepath, then renames it
// into place. The temp name carries cmn.GenTie() so concurrent saves of
// distinct files never collide.
func Save(filepath string, v interface{}) (err error) {
	tmp := filepath + ".tmp." + cmn.GenTie()
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil {
				glog.Errorf("nested (%v): failed to remove %s: %v", err, tmp, rmErr)
			}
		}
	}()

	enc := json.NewEncoder(file)
	if err = enc.Encode(v); err != nil {
		glog.Errorf("failed to encode %s: %v", filepath, err)
		_ = file.Close()
		return err
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		glog.Errorf("failed to sync %s: %v", tmp, err)
		return err
	}
	if err = file.Close(); err != nil {
		glog.Errorf("failed to close %s: %v", tmp, err)
		return err
	}
	if err = os.Rename(tmp, filepath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, filepath, err)
	}
	return nil
}

// Load decodes JSON from filepath into v.
func Load(filepath string, v interface{}) error {
	file, err := os.Open(filepath)
	if err != nil {
		return err
	}
	defer file.Close()
	dec := json.NewDecoder(file)
	return dec.Decode(v)
}
