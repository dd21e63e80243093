// Package taskhub runs cooperative tasks on top of a host event loop.
//
// A Hub owns an execution token that is passed between the loop goroutine and
// at most one task at a time. Tasks are plain functions that receive a context;
// they give the token back at suspension points (Sleep, Yield, WaitReadable,
// Event.Wait, Task.Wait) and the loop resumes them from timers and descriptor
// listeners. Code running on the loop never races with a task, so state owned by
// the loop needs no locks.
//
// # Quick Start
//
// Create an application from a config and run it on the main goroutine:
//
//	app, err := taskhub.NewApplication("editor", config.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	group := taskhub.NewTaskGroup(app.Hub(), "autosave")
//	group.Spawn(func(ctx context.Context) error {
//		for {
//			if err := taskhub.Sleep(ctx, 30*time.Second); err != nil {
//				return err
//			}
//			save()
//		}
//	})
//
//	if err := app.Run(); err != nil { // returns after app.Stop()
//		log.Fatal(err)
//	}
//
// # Key Concepts
//
// Hub: schedules tasks, timers and descriptor listeners on a HostLoop. Abort
// gives managed tasks a grace period before quitting the loop.
//
// TaskGroup: a named collection of tasks with an error boundary. Application
// errors and panics are logged and swallowed; killing a group cancels its tasks.
//
// Owners: structs embedding Lifetime can be bound to tasks with SpawnBound, Run1
// and Run2. The task only sees a weak Ref and is killed when the owner is
// destroyed or collected.
//
// Bridge: CallInLoop runs a function on the loop from any goroutine, and
// RunInNewThread moves blocking work off the loop while the calling task waits.
//
// # Host loops
//
// core.EventLoop is a native epoll/poll loop. tcellhost.Host drives the hub from a
// terminal UI event loop. Any type implementing HostLoop can host a hub.
package taskhub
