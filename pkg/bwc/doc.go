/*
Package bwc drives fixture generation, one version at a time.

For each selected version the Generator runs:

	release dir check ─► temp dir ─► plugins reset + admin user
	      ─► launch node ─► wait for node ─► populate
	      ─► shut down node ─► zip data/ ─► journal record

Whatever step fails, a node that was started is shut down and the temp dir
is removed before the error is returned. The first failure aborts the run;
archives written for earlier versions are kept.

Every collaborator is an interface (Launcher, Provisioner, Readiness,
Populator, archive.Archiver, Journal) so the workflow can run against a stub
node in tests. New wires the real implementations.
*/
package bwc
