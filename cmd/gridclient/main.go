package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/protocol"
	"github.com/astromechza/pixelgrid/pkg/wsconn"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	addrVar := flag.String("addr", "127.0.0.1:10000", "the address to connect to")
	intervalVar := flag.Duration("interval", 5*time.Second, "the minimum time between two random clicks")
	flag.Parse()
	if err := validateInterval(*intervalVar); err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/ws"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := wsconn.Dial(ctx, u.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Send(protocol.TypeRequestInitialData, nil); err != nil {
		return err
	}

	c := &client{conn: conn, rnd: rand.New(rand.NewPCG(uint64(os.Getpid()), uint64(time.Now().UnixNano())))}
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := c.receiveContinuously(); err != nil && ctx.Err() == nil {
			slog.Error("connection lost", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.clickRandomlyContinuously(ctx, *intervalVar)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = conn.Close()

	wg.Wait()
	return nil
}

func validateInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("-interval must be positive, got %s", interval)
	}
	return nil
}

type client struct {
	conn *wsconn.Client
	rnd  *rand.Rand

	lk            sync.Mutex
	width, height int
}

func (c *client) size() (int, int) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.width, c.height
}

func (c *client) receiveContinuously() error {
	for {
		env, err := c.conn.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			slog.Warn("ignoring malformed message", "err", err)
			continue
		} else if err != nil {
			return err
		}
		if err := c.handle(env); err != nil {
			slog.Warn("failed to handle message", "type", env.Type, "err", err)
		}
	}
}

func (c *client) handle(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeInitialData:
		var data protocol.InitialData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		c.lk.Lock()
		c.width, c.height = data.Width, data.Height
		c.lk.Unlock()
		slog.Info("received grid", "width", data.Width, "height", data.Height, "cells", len(data.Cells), "countdown", time.Duration(data.CountdownSeconds)*time.Second)
	case protocol.TypeCellUpdate:
		var cell protocol.CellUpdate
		if err := protocol.DecodeData(env, &cell); err != nil {
			return err
		}
		slog.Info("cell updated", "x", cell.X, "y", cell.Y, "color", cell.Color, "origin", cell.Origin)
	case protocol.TypeCooldownRejected:
		var rejected protocol.CooldownRejected
		if err := protocol.DecodeData(env, &rejected); err != nil {
			return err
		}
		slog.Info("cooldown", "retry_in", time.Duration(rejected.RetryAfterSeconds)*time.Second)
	case protocol.TypeCellRejected:
		var rejected protocol.CellRejected
		if err := protocol.DecodeData(env, &rejected); err != nil {
			return err
		}
		slog.Warn("click rejected", "reason", rejected.Reason)
	default:
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
	return nil
}

func (c *client) clickRandomlyContinuously(ctx context.Context, interval time.Duration) {
	for {
		t := time.NewTimer(interval + time.Duration(c.rnd.Int64N(int64(interval)+1)))
		select {
		case <-t.C:
			w, h := c.size()
			if w == 0 || h == 0 {
				continue
			}
			x, y := c.rnd.IntN(w), c.rnd.IntN(h)
			color := grid.RandomColor(c.rnd)
			if err := c.conn.Send(protocol.TypeCellClicked, protocol.CellClicked{X: &x, Y: &y, Color: string(color)}); err != nil {
				slog.Error("failed to click", "err", err)
			} else {
				slog.Info("clicked", "x", x, "y", y, "color", color)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled clicks")
			return
		}
	}
}
