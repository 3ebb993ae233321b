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

package bws

import (
	"google.golang.org/grpc/encoding"

	"github.com/gravitational/faceauth/lib/utils"
)

// codecName is the content subtype of the BWS JSON framing; every call
// option and dial option must request it.
const codecName = "bws-json"

// Full method names of the BWS service.
const (
	methodEnroll    = "/bws.v1.BiometricWebService/Enroll"
	methodVerify    = "/bws.v1.BiometricWebService/Verify"
	methodLiveness  = "/bws.v1.BiometricWebService/LivenessDetection"
	methodGetStatus = "/bws.v1.BiometricWebService/GetTemplateStatus"
	methodDelete    = "/bws.v1.BiometricWebService/DeleteTemplate"
	methodSetTags   = "/bws.v1.BiometricWebService/SetTemplateTags"
	methodHealth    = "/bws.v1.BiometricWebService/ServiceHealth"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec frames BWS messages as JSON, the encoding the service
// dictates for this surface.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return utils.FastMarshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return utils.FastUnmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
