package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"msglink/message"
	"msglink/middleware"
)

// Command adapts a typed function to a HandlerFunc. Params are decoded into
// P (absent params leave P zero); the result is encoded as the Response data.
func Command[P, R any](fn func(ctx context.Context, params P) (R, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
		var params P
		if len(req.Params) > 0 && string(req.Params) != "null" {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, message.NewError(message.ErrorCodeInvalidArgument,
					fmt.Sprintf("decode params for %s: %v", req.Command, err))
			}
		}
		reply, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return nil, message.NewError(message.ErrorCodeInternal,
				fmt.Sprintf("encode reply for %s: %v", req.Command, err))
		}
		return data, nil
	}
}
