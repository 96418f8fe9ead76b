package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/teslashibe/go-attention/pkg/worker"
)

// serveStdio answers length-prefixed msgpack requests from r on w until r
// ends. The ready handshake is written first.
func serveStdio(ctx context.Context, r io.Reader, w io.Writer, solver worker.Solver, logger *slog.Logger) error {
	out := bufio.NewWriter(w)
	send := func(reply worker.Reply) error {
		if err := worker.WriteFrame(out, reply); err != nil {
			return err
		}
		return out.Flush()
	}

	if err := send(worker.ReadyReply()); err != nil {
		return err
	}

	in := bufio.NewReader(r)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var req worker.Request
		err := worker.ReadFrame(in, &req)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, worker.ErrMalformedFrame):
			logger.Warn("malformed request", "error", err)
			if err := send(worker.ErrorReply(err, false)); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if err := send(worker.SolveReply(ctx, solver, req)); err != nil {
			return err
		}
	}
}

// newServiceApp serves the worker protocol over websocket at /ws/pose, one
// binary msgpack message per request and reply.
func newServiceApp(ctx context.Context, solver worker.Solver, logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "pose-worker",
		DisableStartupMessage: true,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/pose", websocket.New(func(c *websocket.Conn) {
		log := logger.With("remote", c.RemoteAddr().String())
		log.Info("client connected")
		defer log.Info("client disconnected")

		write := func(reply worker.Reply) error {
			data, err := msgpack.Marshal(reply)
			if err != nil {
				return err
			}
			return c.WriteMessage(websocket.BinaryMessage, data)
		}
		if err := write(worker.ReadyReply()); err != nil {
			return
		}

		for {
			msgType, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			var req worker.Request
			if err := msgpack.Unmarshal(data, &req); err != nil {
				log.Warn("malformed request", "error", err)
				if write(worker.ErrorReply(err, false)) != nil {
					return
				}
				continue
			}
			if write(worker.SolveReply(ctx, solver, req)) != nil {
				return
			}
		}
	}))
	return app
}
