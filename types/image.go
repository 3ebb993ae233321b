/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package types

import (
	"bytes"

	"github.com/gravitational/trace"
)

// ImageCodec identifies the encoding of a capture.
type ImageCodec string

const (
	// ImageCodecJPEG is a JPEG-encoded capture.
	ImageCodecJPEG ImageCodec = "jpeg"
	// ImageCodecPNG is a PNG-encoded capture.
	ImageCodecPNG ImageCodec = "png"
)

var (
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	pngMagic  = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
)

// DetectImageCodec sniffs the codec from the leading bytes of a capture.
func DetectImageCodec(data []byte) (ImageCodec, error) {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return ImageCodecJPEG, nil
	case bytes.HasPrefix(data, pngMagic):
		return ImageCodecPNG, nil
	}
	return "", trace.BadParameter("unsupported image codec, expected JPEG or PNG")
}

// Image is a single capture flowing through a workflow call. The engine
// never retains a reference to Data after the call returns.
type Image struct {
	// Data is the encoded capture.
	Data []byte
	// Codec is the capture encoding, detected when empty.
	Codec ImageCodec
	// Tag optionally names the head movement this capture is claimed to
	// show during challenge-response liveness.
	Tag Direction
}

// CheckWithBounds validates the capture against the configured size
// bounds and sniffs the codec when unset.
func (i *Image) CheckWithBounds(minSize, maxSize int) error {
	if len(i.Data) < minSize {
		return trace.BadParameter("image of %d bytes is below the %d byte minimum", len(i.Data), minSize)
	}
	if len(i.Data) > maxSize {
		return trace.BadParameter("image of %d bytes exceeds the %d byte maximum", len(i.Data), maxSize)
	}
	detected, err := DetectImageCodec(i.Data)
	if err != nil {
		return trace.Wrap(err)
	}
	if i.Codec == "" {
		i.Codec = detected
	} else if i.Codec != detected {
		return trace.BadParameter("declared codec %q does not match detected %q", i.Codec, detected)
	}
	return nil
}
